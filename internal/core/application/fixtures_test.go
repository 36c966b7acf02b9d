package application

import (
	"context"
	"crypto/sha256"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/usdb-labs/vaultd/internal/core/domain"
	"github.com/usdb-labs/vaultd/internal/core/ports"
	vaultlib "github.com/usdb-labs/vaultd/pkg/vault-lib"
	"github.com/usdb-labs/vaultd/pkg/vault-lib/script"
	"github.com/usdb-labs/vaultd/pkg/vault-lib/txutils"
)

var testNetwork = &chaincfg.RegressionNetParams

// testKey derives a deterministic key pair from label.
func testKey(t *testing.T, label string) (*btcec.PrivateKey, string) {
	t.Helper()
	seed := sha256.Sum256([]byte(label))
	priv, _ := btcec.PrivKeyFromBytes(seed[:])
	return priv, xonlyHex(priv.PubKey())
}

type testKeys struct {
	guardian, recoveryA, recoveryB string
	protocolPriv, userPriv         *btcec.PrivateKey
	protocol, user                 string
}

func newTestKeys(t *testing.T) testKeys {
	_, guardian := testKey(t, "guardian")
	_, recoveryA := testKey(t, "recovery-a")
	_, recoveryB := testKey(t, "recovery-b")
	protocolPriv, protocol := testKey(t, "protocol")
	userPriv, user := testKey(t, "user")
	return testKeys{
		guardian:     guardian,
		recoveryA:    recoveryA,
		recoveryB:    recoveryB,
		protocolPriv: protocolPriv,
		protocol:     protocol,
		userPriv:     userPriv,
		user:         user,
	}
}

func (k testKeys) builder(t *testing.T) *descriptorBuilder {
	b, err := newDescriptorBuilder(k.guardian, k.recoveryA, k.recoveryB, testNetwork)
	require.NoError(t, err)
	return b
}

func (k testKeys) vault(t *testing.T, id uint64) domain.Vault {
	desc, err := k.builder(t).build(k.protocol, k.user)
	require.NoError(t, err)
	return domain.Vault{
		Id:                id,
		PaymentAddress:    "bcrt1qpayment",
		UserPublicKey:     k.user,
		ProtocolPublicKey: k.protocol,
		VaultAddress:      desc.Address,
		Descriptor:        desc.Descriptor,
		CollateralSats:    30_000,
		MintTokens:        domain.DefaultMintTokens,
		MintUsdCents:      domain.DefaultMintUsdCents,
		MinConfirmations:  domain.DefaultMinConfirmations,
		Txid:              strings.Repeat("ab", 32),
		Health:            domain.HealthPending,
		CreatedAt:         1_700_000_000,
	}
}

// withdrawalFixture is an unsigned withdrawal spending a vault output through
// the redeem leaf.
type withdrawalFixture struct {
	keys        testKeys
	vaultScript *script.VaultScript
	ptx         *psbt.Packet
	inputIndex  int
	leaf        txscript.TapLeaf
	prevouts    *txscript.MultiPrevOutFetcher
}

func newWithdrawalFixture(t *testing.T, keys testKeys, extraKeyPathInput bool) *withdrawalFixture {
	t.Helper()

	vaultScript, err := keys.builder(t).vaultScript(keys.protocol, keys.user)
	require.NoError(t, err)
	pkScript, err := vaultScript.PkScript()
	require.NoError(t, err)
	leaves, err := vaultScript.Leaves()
	require.NoError(t, err)
	controlBlock, err := vaultScript.ControlBlock(script.RedeemLeafIndex)
	require.NoError(t, err)

	vaultPrevout := wire.NewOutPoint(&chainhash.Hash{0x01}, 0)
	vaultOut := wire.NewTxOut(30_000, pkScript)

	tx := wire.NewMsgTx(2)
	inputIndex := 0
	var otherOut *wire.TxOut
	if extraKeyPathInput {
		_, other := testKey(t, "fee-input")
		_, otherKey, err := vaultlib.ParseXOnlyKey(other)
		require.NoError(t, err)
		otherPkScript, err := txscript.PayToTaprootScript(otherKey)
		require.NoError(t, err)
		otherOut = wire.NewTxOut(5_000, otherPkScript)
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{0x02}, 1), nil, nil))
		inputIndex = 1
	}
	tx.AddTxIn(wire.NewTxIn(vaultPrevout, nil, nil))

	_, userKey, err := vaultlib.ParseXOnlyKey(keys.user)
	require.NoError(t, err)
	destination, err := txscript.PayToTaprootScript(userKey)
	require.NoError(t, err)
	tx.AddTxOut(wire.NewTxOut(28_000, destination))

	ptx, err := psbt.NewFromUnsignedTx(tx)
	require.NoError(t, err)

	prevouts := txscript.NewMultiPrevOutFetcher(nil)
	prevouts.AddPrevOut(*vaultPrevout, vaultOut)
	ptx.Inputs[inputIndex].WitnessUtxo = vaultOut
	ptx.Inputs[inputIndex].TaprootLeafScript = []*psbt.TaprootTapLeafScript{{
		ControlBlock: controlBlock,
		Script:       leaves[script.RedeemLeafIndex].Script,
		LeafVersion:  leaves[script.RedeemLeafIndex].LeafVersion,
	}}
	ptx.Inputs[inputIndex].TaprootInternalKey = schnorr.SerializePubKey(vaultScript.InternalKey)
	if otherOut != nil {
		ptx.Inputs[0].WitnessUtxo = otherOut
		prevouts.AddPrevOut(tx.TxIn[0].PreviousOutPoint, otherOut)
	}

	return &withdrawalFixture{
		keys:        keys,
		vaultScript: vaultScript,
		ptx:         ptx,
		inputIndex:  inputIndex,
		leaf:        leaves[script.RedeemLeafIndex],
		prevouts:    prevouts,
	}
}

func (f *withdrawalFixture) sighash(t *testing.T, hashType txscript.SigHashType) []byte {
	sighash, err := txutils.TapscriptSighash(f.ptx, f.inputIndex, f.prevouts, hashType, f.leaf)
	require.NoError(t, err)
	return sighash
}

func (f *withdrawalFixture) sign(t *testing.T, key *btcec.PrivateKey) []byte {
	sig, err := schnorr.Sign(key, f.sighash(t, txscript.SigHashDefault))
	require.NoError(t, err)
	return sig.Serialize()
}

// addSignature attaches a default sighash script spend signature of key.
func (f *withdrawalFixture) addSignature(t *testing.T, key *btcec.PrivateKey, leafHash []byte) {
	if leafHash == nil {
		h := f.leaf.TapHash()
		leafHash = h[:]
	}
	f.ptx.Inputs[f.inputIndex].TaprootScriptSpendSig = append(
		f.ptx.Inputs[f.inputIndex].TaprootScriptSpendSig, &psbt.TaprootScriptSpendSig{
			XOnlyPubKey: schnorr.SerializePubKey(key.PubKey()),
			LeafHash:    leafHash,
			Signature:   f.sign(t, key),
			SigHash:     txscript.SigHashDefault,
		},
	)
}

func (f *withdrawalFixture) encode(t *testing.T) string {
	encoded, err := f.ptx.B64Encode()
	require.NoError(t, err)
	return encoded
}

// fake vault repository

type fakeVaultRepo struct {
	lock   sync.Mutex
	vaults map[uint64]domain.Vault
}

func newFakeVaultRepo(vaults ...domain.Vault) *fakeVaultRepo {
	repo := &fakeVaultRepo{vaults: make(map[uint64]domain.Vault)}
	for _, v := range vaults {
		repo.vaults[v.Id] = v
	}
	return repo
}

func (r *fakeVaultRepo) Add(_ context.Context, vault domain.Vault) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.vaults[vault.Id]; ok {
		return domain.ErrVaultAlreadyExists
	}
	r.vaults[vault.Id] = vault
	return nil
}

func (r *fakeVaultRepo) Get(_ context.Context, id uint64) (*domain.Vault, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	v, ok := r.vaults[id]
	if !ok {
		return nil, domain.ErrVaultNotFound
	}
	return &v, nil
}

func (r *fakeVaultRepo) Update(
	_ context.Context, id uint64, fn domain.VaultUpdateFunc,
) (*domain.Vault, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	v, ok := r.vaults[id]
	if !ok {
		return nil, domain.ErrVaultNotFound
	}
	if err := fn(&v); err != nil {
		return nil, err
	}
	r.vaults[id] = v
	return &v, nil
}

func (r *fakeVaultRepo) GetAll(_ context.Context) ([]domain.Vault, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	vaults := make([]domain.Vault, 0, len(r.vaults))
	for _, v := range r.vaults {
		vaults = append(vaults, v)
	}
	sort.Slice(vaults, func(i, j int) bool { return vaults[i].Id < vaults[j].Id })
	return vaults, nil
}

func (r *fakeVaultRepo) GetByPaymentAddress(
	ctx context.Context, paymentAddress string,
) ([]domain.Vault, error) {
	all, _ := r.GetAll(ctx)
	vaults := make([]domain.Vault, 0)
	for _, v := range all {
		if strings.EqualFold(v.PaymentAddress, paymentAddress) {
			vaults = append(vaults, v)
		}
	}
	return vaults, nil
}

func (r *fakeVaultRepo) GetActive(ctx context.Context) ([]domain.Vault, error) {
	all, _ := r.GetAll(ctx)
	vaults := make([]domain.Vault, 0)
	for _, v := range all {
		if v.IsMinted() && !v.IsWithdrawn() {
			vaults = append(vaults, v)
		}
	}
	return vaults, nil
}

func (r *fakeVaultRepo) MaxId(ctx context.Context) (uint64, error) {
	all, _ := r.GetAll(ctx)
	if len(all) == 0 {
		return 0, nil
	}
	return all[len(all)-1].Id, nil
}

func (r *fakeVaultRepo) Close() {}

type fakePendingRepo struct {
	lock  sync.Mutex
	mints map[uint64]domain.PendingMint
}

func newFakePendingRepo() *fakePendingRepo {
	return &fakePendingRepo{mints: make(map[uint64]domain.PendingMint)}
}

func (r *fakePendingRepo) Add(_ context.Context, mint domain.PendingMint) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.mints[mint.Vault.Id] = mint
	return nil
}

func (r *fakePendingRepo) Get(_ context.Context, id uint64) (*domain.PendingMint, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	m, ok := r.mints[id]
	if !ok {
		return nil, domain.ErrPendingMintNotFound
	}
	return &m, nil
}

func (r *fakePendingRepo) Take(_ context.Context, id uint64) (*domain.PendingMint, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	m, ok := r.mints[id]
	if !ok {
		return nil, domain.ErrPendingMintNotFound
	}
	delete(r.mints, id)
	return &m, nil
}

func (r *fakePendingRepo) MaxId(_ context.Context) (uint64, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	maxId := uint64(0)
	for id := range r.mints {
		maxId = max(maxId, id)
	}
	return maxId, nil
}

func (r *fakePendingRepo) Close() {}

type fakeRepoManager struct {
	vaults  *fakeVaultRepo
	pending *fakePendingRepo
}

func (m *fakeRepoManager) Vaults() domain.VaultRepository              { return m.vaults }
func (m *fakeRepoManager) PendingMints() domain.PendingMintRepository { return m.pending }
func (m *fakeRepoManager) Close()                                     {}

// fakeLocker is a per vault mutex honoring the context deadline.
type fakeLocker struct {
	lock  sync.Mutex
	locks map[uint64]chan struct{}
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{locks: make(map[uint64]chan struct{})}
}

func (l *fakeLocker) Lock(ctx context.Context, vaultId uint64) (ports.UnlockFunc, error) {
	l.lock.Lock()
	ch, ok := l.locks[vaultId]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[vaultId] = ch
	}
	l.lock.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ports.ErrVaultLocked
	}
}

func (l *fakeLocker) Close() {}

type recordingEventBus struct {
	lock     sync.Mutex
	events   []domain.Event
	handlers []func(domain.Event)
}

func (b *recordingEventBus) Publish(_ context.Context, events ...domain.Event) error {
	b.lock.Lock()
	b.events = append(b.events, events...)
	handlers := append([]func(domain.Event){}, b.handlers...)
	b.lock.Unlock()
	for _, e := range events {
		for _, h := range handlers {
			h(e)
		}
	}
	return nil
}

func (b *recordingEventBus) RegisterEventsHandler(_ string, handler func(domain.Event)) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.handlers = append(b.handlers, handler)
}

func (b *recordingEventBus) Close() {}

func (b *recordingEventBus) published() []domain.Event {
	b.lock.Lock()
	defer b.lock.Unlock()
	return append([]domain.Event{}, b.events...)
}

// Mock implementations

type mockNode struct {
	mock.Mock
}

func (m *mockNode) EnsureWallet(ctx context.Context, wallet string) error {
	return m.Called(ctx, wallet).Error(0)
}

func (m *mockNode) ImportDescriptors(
	ctx context.Context, wallet string, descriptors []ports.DescriptorImport,
) error {
	return m.Called(ctx, wallet, descriptors).Error(0)
}

func (m *mockNode) GetWalletInfo(ctx context.Context, wallet string) (*ports.WalletInfo, error) {
	args := m.Called(ctx, wallet)
	var res *ports.WalletInfo
	if a := args.Get(0); a != nil {
		res = a.(*ports.WalletInfo)
	}
	return res, args.Error(1)
}

func (m *mockNode) DeriveAddress(ctx context.Context, descriptor string) (string, error) {
	args := m.Called(ctx, descriptor)
	return args.String(0), args.Error(1)
}

func (m *mockNode) ScanUtxos(ctx context.Context, descriptors []string) ([]ports.Utxo, error) {
	args := m.Called(ctx, descriptors)
	var res []ports.Utxo
	if a := args.Get(0); a != nil {
		res = a.([]ports.Utxo)
	}
	return res, args.Error(1)
}

func (m *mockNode) WalletCreateFundedPsbt(
	ctx context.Context, wallet string, outputs []ports.TxOutput, opts ports.FundPsbtOptions,
) (*ports.FundedPsbt, error) {
	args := m.Called(ctx, wallet, outputs, opts)
	var res *ports.FundedPsbt
	if a := args.Get(0); a != nil {
		res = a.(*ports.FundedPsbt)
	}
	return res, args.Error(1)
}

func (m *mockNode) ConvertToPsbt(ctx context.Context, rawTx string) (string, error) {
	args := m.Called(ctx, rawTx)
	return args.String(0), args.Error(1)
}

func (m *mockNode) UtxoUpdatePsbt(
	ctx context.Context, ptx string, descriptors []string,
) (string, error) {
	args := m.Called(ctx, ptx, descriptors)
	return args.String(0), args.Error(1)
}

func (m *mockNode) CombinePsbt(ctx context.Context, ptxs []string) (string, error) {
	args := m.Called(ctx, ptxs)
	return args.String(0), args.Error(1)
}

func (m *mockNode) FinalizePsbt(ctx context.Context, ptx string) (*ports.FinalizedPsbt, error) {
	args := m.Called(ctx, ptx)
	var res *ports.FinalizedPsbt
	if a := args.Get(0); a != nil {
		res = a.(*ports.FinalizedPsbt)
	}
	return res, args.Error(1)
}

func (m *mockNode) BroadcastTransaction(ctx context.Context, txHex string) (string, error) {
	args := m.Called(ctx, txHex)
	return args.String(0), args.Error(1)
}

func (m *mockNode) GetTransaction(ctx context.Context, txid string) (*ports.TxStatus, error) {
	args := m.Called(ctx, txid)
	var res *ports.TxStatus
	if a := args.Get(0); a != nil {
		res = a.(*ports.TxStatus)
	}
	return res, args.Error(1)
}

func (m *mockNode) GetBlockCount(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockNode) Close() {}

type mockOracle struct {
	mock.Mock
}

func (m *mockOracle) DeriveProtocolKey(
	ctx context.Context, vaultId uint64, path [][]byte,
) (*ports.ProtocolKey, error) {
	args := m.Called(ctx, vaultId, path)
	var res *ports.ProtocolKey
	if a := args.Get(0); a != nil {
		res = a.(*ports.ProtocolKey)
	}
	return res, args.Error(1)
}

func (m *mockOracle) SignWithdrawal(ctx context.Context, req ports.SignRequest) ([]byte, error) {
	args := m.Called(ctx, req)
	var res []byte
	if a := args.Get(0); a != nil {
		res = a.([]byte)
	}
	return res, args.Error(1)
}

type mockPriceFeed struct {
	mock.Mock
}

func (m *mockPriceFeed) GetBtcUsdPrice(ctx context.Context) (float64, error) {
	args := m.Called(ctx)
	return args.Get(0).(float64), args.Error(1)
}

type mockAlerts struct {
	mock.Mock
}

func (m *mockAlerts) Publish(ctx context.Context, topic ports.Topic, message interface{}) error {
	return m.Called(ctx, topic, message).Error(0)
}
