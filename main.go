package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mattn/go-shellwords"
	"github.com/sirupsen/logrus"

	"github.com/inpaint-labs/inpaint-runner/pkg/gpuinfo"
	"github.com/inpaint-labs/inpaint-runner/pkg/inference"
	"github.com/inpaint-labs/inpaint-runner/pkg/inference/manager"
	"github.com/inpaint-labs/inpaint-runner/pkg/inference/memory"
	"github.com/inpaint-labs/inpaint-runner/pkg/inference/models"
	"github.com/inpaint-labs/inpaint-runner/pkg/metrics"
	"github.com/inpaint-labs/inpaint-runner/pkg/middleware"
	"github.com/inpaint-labs/inpaint-runner/pkg/routing"
	"github.com/inpaint-labs/inpaint-runner/pkg/tailbuffer"
	"github.com/inpaint-labs/inpaint-runner/pkg/weights"
)

var log = logrus.New()

// logTailSize bounds the in-memory tail of runner output served on
// GET /engine/log.
const logTailSize = 16 * 1024

// runnerConfig is the daemon configuration assembled from the environment and
// RUNNER_FLAGS.
type runnerConfig struct {
	model            string
	device           inference.DeviceKind
	enableControlNet bool
	controlNetMethod string
	offlineOnly      bool
	vaeTiling        bool
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logTail := tailbuffer.New(logTailSize)
	log.SetOutput(io.MultiWriter(os.Stderr, logTail))

	sockName := os.Getenv("INPAINT_RUNNER_SOCK")
	if sockName == "" {
		sockName = "inpaint-runner.sock"
	}

	userHomeDir, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("Failed to get user home directory: %v", err)
	}

	modelPath := os.Getenv("MODELS_PATH")
	if modelPath == "" {
		modelPath = filepath.Join(userHomeDir, ".inpaint-runner", "models")
	}
	weightsPath := os.Getenv("WEIGHTS_PATH")
	if weightsPath == "" {
		weightsPath = filepath.Join(userHomeDir, ".inpaint-runner", "weights")
	}

	gpuInfo := gpuinfo.New(log.WithField("component", "gpuinfo"))

	cfg, err := configFromEnv(gpuInfo)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if cfg.model == "" {
		log.Fatal("MODEL is required (the model name to load at startup)")
	}

	sysMemInfo, err := memory.NewSystemMemoryInfo(log.WithField("component", "memory"), gpuInfo)
	if err != nil {
		log.Fatalf("unable to initialize system memory info: %v", err)
	}
	memEstimator := memory.NewEstimator(sysMemInfo)

	catalog := models.NewManager(log.WithField("component", "model-catalog"), modelPath)

	var clientOpts []weights.ClientOption
	if user, pass := os.Getenv("REGISTRY_USER"), os.Getenv("REGISTRY_PASSWORD"); user != "" && pass != "" {
		clientOpts = append(clientOpts, weights.WithAuthConfig(user, pass))
	}
	weightsClient := weights.NewClient(log.WithField("component", "weights"), clientOpts...)
	weightsStore := weights.NewStore(log.WithField("component", "weights"), weightsPath, weightsClient)

	if os.Getenv("DISABLE_ENGINE_INSTALL") != "1" {
		if path, err := weightsStore.EngineLibrary(ctx, cfg.offlineOnly); err != nil {
			log.Warnf("Engine library unavailable, generation will fail: %v", err)
		} else {
			log.Infof("Engine library: %s", path)
		}
	}

	mgr, err := manager.New(ctx, log.WithField("component", "manager"), manager.Config{
		Model:            cfg.model,
		Device:           cfg.device,
		EnableControlNet: cfg.enableControlNet,
		ControlNetMethod: cfg.controlNetMethod,
		OfflineOnly:      cfg.offlineOnly,
		VAETiling:        cfg.vaeTiling,
		Catalog:          catalog,
		Weights:          weightsStore,
		Memory:           memEstimator,
	})
	if err != nil {
		log.Fatalf("unable to load initial model: %v", err)
	}

	recorder := metrics.NewInpaintRecorder(log.WithField("component", "metrics"))
	exporter := metrics.NewExporter()
	managerHandler := manager.NewHTTPHandler(log.WithField("component", "manager"), mgr, recorder, exporter)

	router := routing.NewNormalizedServeMux()
	for _, route := range catalog.GetRoutes() {
		router.Handle(route, catalog)
	}
	for _, route := range managerHandler.GetRoutes() {
		router.Handle(route, managerHandler)
	}
	router.HandleFunc("GET /engine/log", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, logTail.Tail())
	})
	if os.Getenv("DISABLE_METRICS") != "1" {
		router.Handle("GET /metrics", exporter)
		log.Info("Metrics endpoint enabled at /metrics")
	} else {
		log.Info("Metrics endpoint disabled")
	}

	server := &http.Server{Handler: middleware.CORS(nil, router)}
	serverErrors := make(chan error, 1)

	tcpPort := os.Getenv("INPAINT_RUNNER_PORT")
	if tcpPort != "" {
		server.Addr = ":" + tcpPort
		log.Infof("Listening on TCP port %s", tcpPort)
		go func() {
			serverErrors <- server.ListenAndServe()
		}()
	} else {
		if err := os.Remove(sockName); err != nil && !os.IsNotExist(err) {
			log.Fatalf("Failed to remove existing socket: %v", err)
		}
		ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: sockName, Net: "unix"})
		if err != nil {
			log.Fatalf("Failed to listen on socket: %v", err)
		}
		log.Infof("Listening on %s", sockName)
		go func() {
			serverErrors <- server.Serve(ln)
		}()
	}

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Server error: %v", err)
		}
	case <-ctx.Done():
		log.Infoln("Shutdown signal received")
		if err := server.Close(); err != nil {
			log.Errorf("Server shutdown error: %v", err)
		}
	}
	log.Infoln("Inpaint runner stopped")
}

// configFromEnv assembles the runner configuration from environment variables,
// then applies RUNNER_FLAGS on top.
func configFromEnv(gpuInfo *gpuinfo.GPUInfo) (runnerConfig, error) {
	cfg := runnerConfig{
		model:            os.Getenv("MODEL"),
		device:           detectDevice(gpuInfo, os.Getenv("DEVICE")),
		enableControlNet: os.Getenv("ENABLE_CONTROLNET") == "1",
		controlNetMethod: os.Getenv("CONTROLNET_METHOD"),
		offlineOnly:      os.Getenv("OFFLINE_ONLY") == "1",
		vaeTiling:        os.Getenv("VAE_TILING") == "1",
	}
	if flags := os.Getenv("RUNNER_FLAGS"); flags != "" {
		args, err := shellwords.Parse(flags)
		if err != nil {
			return cfg, fmt.Errorf("parsing RUNNER_FLAGS: %w", err)
		}
		if err := applyRunnerFlags(&cfg, args); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// applyRunnerFlags applies CLI-style flags over the environment-derived
// configuration.
func applyRunnerFlags(cfg *runnerConfig, args []string) error {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--vae-tiling":
			cfg.vaeTiling = true
		case "--offline":
			cfg.offlineOnly = true
		case "--controlnet":
			cfg.enableControlNet = true
		case "--controlnet-method":
			i++
			if i == len(args) {
				return errors.New("--controlnet-method requires a value")
			}
			cfg.controlNetMethod = args[i]
		case "--device":
			i++
			if i == len(args) {
				return errors.New("--device requires a value")
			}
			switch device := inference.DeviceKind(args[i]); device {
			case inference.DeviceCPU, inference.DeviceCUDA, inference.DeviceMPS:
				cfg.device = device
			default:
				return fmt.Errorf("unknown device %q", args[i])
			}
		case "--model":
			i++
			if i == len(args) {
				return errors.New("--model requires a value")
			}
			cfg.model = args[i]
		default:
			return fmt.Errorf("unknown flag %q in RUNNER_FLAGS", args[i])
		}
	}
	return nil
}

// detectDevice picks the accelerator: an explicit request wins, otherwise the
// best available device.
func detectDevice(gpuInfo *gpuinfo.GPUInfo, requested string) inference.DeviceKind {
	switch inference.DeviceKind(requested) {
	case inference.DeviceCPU, inference.DeviceCUDA, inference.DeviceMPS:
		return inference.DeviceKind(requested)
	}
	if gpuInfo.HasNVIDIAGPU() {
		return inference.DeviceCUDA
	}
	if gpuInfo.HasAppleSilicon() {
		return inference.DeviceMPS
	}
	return inference.DeviceCPU
}
