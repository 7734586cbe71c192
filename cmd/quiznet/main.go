// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// quiznet trains the QuizNet model on Cifar-10, and reports the evaluation on the train and test datasets.
//
// Hyperparameters are set with -set, see quiznet.CreateDefaultContext for the list. E.g.:
//
//	go run ./cmd/quiznet -checkpoint=quiznet -epochs=5 -set="quiznet_dropout_rate=0.05;learning_rate=0.1"
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/quiznet"
	"github.com/gomlx/quiznet/cifar"
	"github.com/gomlx/quiznet/trainer"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagDataDir = flag.String("data", "~/work/cifar", "Directory to cache downloaded and generated dataset files.")

	flagCheckpoint = flag.String("checkpoint", "",
		"Directory save and load checkpoints from, relative to -data if not absolute. "+
			"If left empty, no checkpoints are created.")
	flagEpochs = flag.Int("epochs", 0,
		fmt.Sprintf("Number of epochs to train. If 0, it uses the hyperparameter %q.", quiznet.ParamNumEpochs))
	flagStats = flag.String("stats", "",
		"JSON file where to save the per-epoch stats, relative to the checkpoint directory if not absolute. "+
			"A CSV version is saved along.")
	flagPlots     = flag.Bool("plots", false, "Save the loss and accuracy plots in the checkpoint directory.")
	flagL1        = flag.Float64("l1", 0, "L1 regularization of the convolution kernels. 0 disables it.")
	flagScheduler = flag.Bool("scheduler", true, "Cosine annealing of the learning rate over the whole training.")
	flagSummary   = flag.Bool("summary", true, "Print the summary of the model layers before training.")
	flagOnlySum   = flag.Bool("summary_only", false, "Print the summary of the model and exit, without training.")
	flagEval      = flag.Bool("eval", true, "Whether to evaluate the model on the train and test data in the end.")
	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

// inputDims used to print the summary.
var inputDims = []int{1, cifar.Depth, cifar.Height, cifar.Width}

func main() {
	ctx := quiznet.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "set")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	if err := run(ctx, paramsSet); err != nil {
		klog.Fatalf("Failed: %+v", err)
	}
}

// isTerminal reports whether stdout supports terminal escape sequences. If not, the progress bar is
// disabled and the summary table is rendered without colors.
func isTerminal() bool {
	profile := termenv.NewOutput(os.Stdout).ColorProfile()
	lipgloss.SetColorProfile(profile)
	return profile != termenv.Ascii
}

func run(ctx *context.Context, paramsSet []string) error {
	interactive := isTerminal()
	model := quiznet.NewFromContext(ctx, "quiznet")
	if err := model.Validate(); err != nil {
		return err
	}
	if *flagSummary || *flagOnlySum {
		summary, err := model.Summary(inputDims)
		if err != nil {
			return err
		}
		fmt.Println(summary)
		if *flagOnlySum {
			return nil
		}
	}

	dataDir, err := fsutil.ReplaceTildeInDir(*flagDataDir)
	if err != nil {
		return err
	}
	if !fsutil.MustFileExists(dataDir) {
		if err = os.MkdirAll(dataDir, 0777); err != nil {
			return errors.Wrapf(err, "creating data directory %q", dataDir)
		}
	}
	if err = cifar.DownloadCifar10(dataDir); err != nil {
		return err
	}

	backend := backends.MustNew()
	if *flagVerbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}
	if *flagVerbosity >= 2 {
		fmt.Println(commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}

	batchSize := context.GetParamOr(ctx, quiznet.ParamBatchSize, 0)
	if batchSize <= 0 {
		return errors.Errorf("batch size must be > 0 (maybe it was not set?): %d", batchSize)
	}
	evalBatchSize := context.GetParamOr(ctx, quiznet.ParamEvalBatchSize, 0)
	if evalBatchSize <= 0 {
		evalBatchSize = batchSize
	}
	trainDS, trainEvalDS, testEvalDS, err := cifar.CreateDatasets(backend, dataDir, batchSize, evalBatchSize)
	if err != nil {
		return err
	}

	config := trainer.Config{
		L1Lambda:        *flagL1,
		Scheduler:       *flagScheduler,
		KeepCheckpoints: context.GetParamOr(ctx, quiznet.ParamNumCheckpoints, 3),
		ProgressBar:     *flagVerbosity >= 0 && interactive,
	}
	if *flagCheckpoint != "" {
		config.CheckpointDir = relativeTo(dataDir, *flagCheckpoint)
		if *flagPlots {
			config.PlotsDir = filepath.Join(config.CheckpointDir, "plots")
		}
	}
	if *flagStats != "" {
		config.StatsPath = relativeTo(config.CheckpointDir, *flagStats)
	}
	tr, err := trainer.New(backend, ctx, model, trainDS, trainEvalDS, testEvalDS, config)
	if err != nil {
		return err
	}

	epochs := *flagEpochs
	if epochs <= 0 {
		epochs = context.GetParamOr(ctx, quiznet.ParamNumEpochs, 0)
	}
	stats, err := tr.Run(epochs)
	if err != nil {
		return err
	}
	if best := stats.Best(); best != nil && *flagVerbosity >= 1 {
		fmt.Printf("Best epoch %d (global step %d): test accuracy %.2f%%, test loss %.4f\n",
			best.Epoch, best.GlobalStep, best.TestAcc*100, best.TestLoss)
	}
	if config.StatsPath != "" {
		csvPath := strings.TrimSuffix(config.StatsPath, filepath.Ext(config.StatsPath)) + ".csv"
		if err = stats.SaveCSV(csvPath); err != nil {
			return err
		}
	}

	if *flagEval {
		if *flagVerbosity >= 1 {
			fmt.Println()
		}
		return commandline.ReportEval(tr.Trainer(), testEvalDS, trainEvalDS)
	}
	return nil
}

// relativeTo returns filePath if it is absolute, or joined to baseDir otherwise.
func relativeTo(baseDir, filePath string) string {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	if filepath.IsAbs(filePath) || baseDir == "" {
		return filePath
	}
	return filepath.Join(baseDir, filePath)
}
