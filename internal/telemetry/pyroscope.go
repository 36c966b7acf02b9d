package telemetry

import (
	"fmt"

	"github.com/grafana/pyroscope-go"
	log "github.com/sirupsen/logrus"
)

// InitPyroscope starts continuous profiling against pyroscopeServerURL. The
// returned function stops the profiler.
func InitPyroscope(pyroscopeServerURL string) (func() error, error) {
	if pyroscopeServerURL == "" {
		return func() error { return nil }, nil
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: serviceName,
		ServerAddress:   pyroscopeServerURL,
		Tags:            map[string]string{"component": "vault-monitor"},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileGoroutines,
			pyroscope.ProfileMutexDuration,
			pyroscope.ProfileBlockDuration,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start pyroscope profiler: %s", err)
	}

	log.WithFields(log.Fields{
		"server":  pyroscopeServerURL,
		"service": serviceName,
	}).Info("pyroscope profiler started")

	return profiler.Stop, nil
}
