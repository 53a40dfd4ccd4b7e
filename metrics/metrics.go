// Package metrics configures metric collection of the bridge node on top of
// the go-ethereum metrics registry.
package metrics

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/metrics/exp"
)

// refresh is the collection period of the process metrics.
const refresh = 3 * time.Second

// Setup enables collection as configured and starts the stand-alone metrics
// HTTP endpoint if requested. It returns a function stopping the collectors.
func Setup(config Config) (stop func()) {
	if config.Enabled {
		metrics.Enabled = true
	}
	if config.EnabledExpensive {
		metrics.EnabledExpensive = true
	}
	if !metrics.Enabled {
		return func() {}
	}
	log.Info("Enabling metrics collection")
	quit := make(chan struct{})
	go metrics.CollectProcessMetrics(refresh)
	go collectCPUTime(quit)

	if config.HTTP != "" {
		address := fmt.Sprintf("%s:%d", config.HTTP, config.Port)
		log.Info("Enabling stand-alone metrics HTTP endpoint", "address", address)
		exp.Setup(address)
	}
	return func() { close(quit) }
}

func collectCPUTime(quit chan struct{}) {
	gauge := metrics.GetOrRegisterGauge("bridge/process/cputime", nil)
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()
	for {
		gauge.Update(getProcessCPUTime())
		select {
		case <-ticker.C:
		case <-quit:
			return
		}
	}
}
