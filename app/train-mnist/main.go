package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/tsawler/go-mnist/checkpoints"
	"github.com/tsawler/go-mnist/engine"
	"github.com/tsawler/go-mnist/layers"
	"github.com/tsawler/go-mnist/optimizer"
	"github.com/tsawler/go-mnist/training"
	"github.com/tsawler/go-mnist/vision/dataloader"
	"github.com/tsawler/go-mnist/vision/dataset"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := training.DefaultConfig()

	flag.Float64Var(&cfg.WeightDecay, "wd", cfg.WeightDecay, "weight decay")
	flag.IntVar(&cfg.BatchSize, "batch_size", cfg.BatchSize, "input batch size for training")
	flag.IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "number of epochs to train")
	flag.Float64Var(&cfg.LearningRate, "lr", cfg.LearningRate, "learning rate")
	flag.StringVar(&cfg.GPU, "gpu", "", "comma separated indices of the devices to use")
	flag.IntVar(&cfg.NGPU, "ngpu", cfg.NGPU, "number of devices to use")
	flag.Int64Var(&cfg.Seed, "seed", cfg.Seed, "random seed")
	flag.IntVar(&cfg.LogInterval, "log_interval", cfg.LogInterval, "how many batches to wait before logging training status")
	flag.IntVar(&cfg.TestInterval, "test_interval", cfg.TestInterval, "how many epochs to wait before another test")
	flag.StringVar(&cfg.LogDir, "logdir", cfg.LogDir, "folder for the log and the checkpoints")
	flag.StringVar(&cfg.DataRoot, "data_root", cfg.DataRoot, "folder holding the MNIST IDX files")
	decreasingLR := flag.String("decreasing_lr", "80,120", "epochs at which the learning rate is divided by 10")
	flag.Float64Var(&cfg.Factor, "factor", cfg.Factor, "multiplier applied to negative gradient components")
	runDir := flag.String("run_dir", "", "folder for the scalar event files (default runs/exp_factor<factor>)")
	flag.StringVar(&cfg.ExperimentFile, "exp_file", cfg.ExperimentFile, "file the run's log lines are appended to")
	flag.IntVar(&cfg.NumWorkers, "num_workers", cfg.NumWorkers, "goroutines assembling each batch")
	flag.IntVar(&cfg.Prefetch, "prefetch", cfg.Prefetch, "training batches to assemble ahead of the loop (0 disables)")
	limit := flag.Int("limit", 0, "use only the first N samples of each split (0 for all)")
	flag.Parse()

	milestones, err := training.ParseMilestones(*decreasingLR)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --decreasing_lr: %v\n", err)
		return 2
	}
	cfg.DecreasingLR = milestones

	cfg.RunDir = *runDir
	if cfg.RunDir == "" {
		cfg.RunDir = training.RunDirForFactor(cfg.Factor)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return 2
	}

	// The generator is seeded once before device selection and again with
	// the configured seed afterwards
	rng := rand.New(rand.NewSource(0))

	devices, err := engine.SelectDevices(cfg.GPU, cfg.NGPU)
	if err != nil {
		fmt.Fprintf(os.Stderr, "device selection failed: %v\n", err)
		return 1
	}
	if err := recordDevices(flag.CommandLine, &cfg, devices); err != nil {
		fmt.Fprintf(os.Stderr, "device selection failed: %v\n", err)
		return 1
	}
	runtime.GOMAXPROCS(cfg.NGPU)

	logger, err := training.NewMetricLogger(cfg.LogDir, cfg.RunDir, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start logging: %v\n", err)
		return 1
	}

	logger.Infof("=================FLAGS==================")
	flag.VisitAll(func(f *flag.Flag) {
		logger.Infof("%s: %s", f.Name, f.Value.String())
	})
	logger.Infof("========================================")
	for _, d := range devices {
		logger.Infof("device %s avx2=%v", d, engine.SupportsAVX2())
	}

	rng.Seed(cfg.Seed)
	logger.Infof("random source seeded with 0 before device selection and %d after", cfg.Seed)

	res, err := train(cfg, rng, *limit, logger)
	if err != nil {
		logger.Infof("setup failed: %v", err)
		logger.Close()
		return 1
	}

	if err := logger.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to close logs: %v\n", err)
	}
	if err := logger.AppendExperiment(cfg.ExperimentFile, cfg.Factor); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write experiment summary: %v\n", err)
		return 1
	}

	if res.Failed() {
		return 1
	}
	return 0
}

// recordDevices stores the selected devices in cfg and in the gpu and ngpu
// flags of fs, so the flags banner shows what the run actually uses
func recordDevices(fs *flag.FlagSet, cfg *training.Config, devices []engine.Device) error {
	indices := make([]string, len(devices))
	for i, d := range devices {
		indices[i] = strconv.Itoa(d.Index)
	}
	cfg.GPU = strings.Join(indices, ",")
	cfg.NGPU = len(devices)

	if err := fs.Set("gpu", cfg.GPU); err != nil {
		return fmt.Errorf("failed to record gpu flag: %w", err)
	}
	if err := fs.Set("ngpu", strconv.Itoa(cfg.NGPU)); err != nil {
		return fmt.Errorf("failed to record ngpu flag: %w", err)
	}
	return nil
}

// train builds the data pipeline, model and optimizer and runs the trainer.
// A returned error means training never started.
func train(cfg training.Config, rng *rand.Rand, limit int, logger *training.MetricLogger) (training.Result, error) {
	trainSet, err := dataset.LoadMNIST(cfg.DataRoot, true)
	if err != nil {
		return training.Result{}, fmt.Errorf("failed to load training data: %w", err)
	}
	testSet, err := dataset.LoadMNIST(cfg.DataRoot, false)
	if err != nil {
		return training.Result{}, fmt.Errorf("failed to load test data: %w", err)
	}
	logger.Infof("%s", trainSet.Summary())
	logger.Infof("%s", testSet.Summary())

	var trainData, testData dataset.Dataset = trainSet, testSet
	if limit > 0 {
		if trainData, err = dataset.NewSubsetDataset(trainSet, limit); err != nil {
			return training.Result{}, err
		}
		if testData, err = dataset.NewSubsetDataset(testSet, limit); err != nil {
			return training.Result{}, err
		}
	}

	trainLoader, err := dataloader.NewDataLoader(trainData, dataloader.Config{
		BatchSize:  cfg.BatchSize,
		Shuffle:    true,
		NumWorkers: cfg.NumWorkers,
		Rand:       rng,
	})
	if err != nil {
		return training.Result{}, err
	}
	var trainSource training.DataSource = trainLoader
	if cfg.Prefetch > 0 {
		prefetch, err := dataloader.NewPrefetchLoader(trainLoader, cfg.Prefetch)
		if err != nil {
			return training.Result{}, err
		}
		defer prefetch.Stop()
		trainSource = prefetch
	}

	testLoader, err := dataloader.NewDataLoader(testData, dataloader.Config{
		BatchSize:  cfg.BatchSize,
		NumWorkers: cfg.NumWorkers,
	})
	if err != nil {
		return training.Result{}, err
	}

	spec, err := layers.NewMLPSpec(cfg.InputDims, cfg.Hidden, cfg.Classes, cfg.Dropout)
	if err != nil {
		return training.Result{}, err
	}
	logger.Infof("%s", spec.Summary())

	model, err := engine.NewModelEngine(spec, rng)
	if err != nil {
		return training.Result{}, err
	}
	defer model.Close()

	sgd, err := optimizer.NewSGDOptimizer(optimizer.SGDConfig{
		LearningRate: cfg.LearningRate,
		Momentum:     cfg.Momentum,
		WeightDecay:  cfg.WeightDecay,
	}, model.Parameters())
	if err != nil {
		return training.Result{}, err
	}
	logger.Infof("decreasing_lr: %v", cfg.DecreasingLR)

	ckpt := checkpoints.NewManager(checkpoints.FormatProto, logger.Infof)
	trainer, err := training.NewTrainer(cfg, model, sgd, trainSource, testLoader, logger, ckpt)
	if err != nil {
		return training.Result{}, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res := trainer.Run(ctx)
	if res.Err != nil {
		logger.Infof("run ended early: %v", res.Err)
	}
	return res, nil
}
