// dflow-demo is an end-to-end walkthrough of the runtime over the in-process
// fake driver: it registers a model, drives a handful of ActivateModel
// cycles through the AICPU dispatcher, and prints how many metric families
// the profiler's registry collected before exiting.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dflow-rt/hetexec"
	"github.com/dflow-rt/hetexec/internal/config"
	"github.com/dflow-rt/hetexec/internal/dispatcher"
	"github.com/dflow-rt/hetexec/internal/driver"
	"github.com/dflow-rt/hetexec/internal/executor"
	"github.com/dflow-rt/hetexec/internal/logging"
	"github.com/dflow-rt/hetexec/internal/profiler"
)

func main() {
	var (
		cycles  = flag.Int("cycles", 3, "Number of ActivateModel cycles to run")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	const deviceID int32 = 0
	const modelID uint32 = 1

	registry := prometheus.NewRegistry()
	rt, fake := hetexec.NewTestRuntime(&hetexec.Options{
		Logger:           logger,
		Metrics:          registry,
		ProfilingEnabled: true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rt.InitializeDevice(ctx, deviceID); err != nil {
		log.Fatalf("initialize device: %v", err)
	}
	logger.Info("device initialized", "device_id", deviceID)

	exec, err := rt.RegisterModel(deviceID, modelID, hetexec.EchoExecuteFunc)
	if err != nil {
		log.Fatalf("register model: %v", err)
	}

	if err := exec.LoadModel(executor.IOSizing{}, config.Default()); err != nil {
		log.Fatalf("load model: %v", err)
	}
	logger.Info("model loaded", "model_id", modelID, "state", exec.State())

	fmt.Printf("dflow-demo: device %d, model %d ready\n", deviceID, modelID)
	fmt.Printf("driving %d ActivateModel cycle(s)...\n", *cycles)

	for i := 0; i < *cycles; i++ {
		stop := rt.Profiler.Timer(profiler.RecordKey{DeviceID: deviceID}, profiler.PhaseDoExecuteModel)

		if err := fake.SubmitEvent(deviceID, driver.Event{
			Kind:     driver.EventAICPUMsg,
			SubEvent: dispatcher.SubEventActivateModel,
			ModelID:  modelID,
		}); err != nil {
			log.Fatalf("submit activate event: %v", err)
		}
		time.Sleep(20 * time.Millisecond) // let the dispatcher/executor pipeline drain
		stop()
	}

	fmt.Printf("model state after %d cycles: %s\n", *cycles, exec.State())

	metrics, err := registry.Gather()
	if err != nil {
		logger.Error("gather metrics", "error", err)
	} else {
		fmt.Printf("collected %d metric families\n", len(metrics))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case <-time.After(100 * time.Millisecond):
		// demo is non-interactive by default; fall straight through to shutdown
	}

	if err := rt.DeregisterModel(deviceID, modelID); err != nil {
		logger.Error("deregister model", "error", err)
	}
	rt.Shutdown()
	fmt.Println("dflow-demo: shutdown complete")
}
