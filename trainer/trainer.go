// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainer trains a QuizNet model one epoch at a time, evaluating it after every epoch and keeping
// per-epoch statistics, checkpoints and plots.
package trainer

import (
	"io"
	"math"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"github.com/gomlx/quiznet"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ParamsExcludedFromSaving is the list of hyperparameters that are not saved along the checkpoints, and
// may be changed when training continues.
var ParamsExcludedFromSaving = []string{
	quiznet.ParamNumEpochs, quiznet.ParamNumCheckpoints, plotly.ParamPlots,
}

// Config of the Trainer.
type Config struct {
	// StatsPath is the JSON file where the stats are saved after every epoch. If the file exists, the
	// stats are loaded from it and new epochs are appended. Empty disables it.
	StatsPath string

	// PlotsDir is where the loss and accuracy plots are saved after every epoch. Empty disables it.
	PlotsDir string

	// L1Lambda, if > 0, sets the L1 regularization of the convolution kernels.
	L1Lambda float64

	// Scheduler enables the cosine annealing of the learning rate over the whole training.
	// If false, the learning rate is constant.
	Scheduler bool

	// CheckpointDir where to save the model after every epoch. If it already holds checkpoints, the
	// model is loaded from the latest one and training continues from its global step.
	// Empty disables checkpointing.
	CheckpointDir string

	// KeepCheckpoints is the number of checkpoints to keep. If <= 0 all are kept.
	KeepCheckpoints int

	// ProgressBar shows the progress of the training on the terminal.
	ProgressBar bool
}

// Trainer of a QuizNet model.
type Trainer struct {
	backend backends.Backend
	ctx     *context.Context
	model   *quiznet.Model
	config  Config

	trainDS, trainEvalDS, testDS train.Dataset

	trainer    *train.Trainer
	checkpoint *checkpoints.Handler
	stats      *Stats
}

// New creates a Trainer for model, with the hyperparameters in ctx (see quiznet.CreateDefaultContext).
//
// trainDS must be finite, ending (io.EOF) at the end of each epoch. trainEvalDS and testDS are used to
// evaluate the model at the end of every epoch. trainEvalDS is also used to update the batch normalization
// averages.
func New(backend backends.Backend, ctx *context.Context, model *quiznet.Model,
	trainDS, trainEvalDS, testDS train.Dataset, config Config) (*Trainer, error) {
	t := &Trainer{
		backend:     backend,
		ctx:         ctx,
		model:       model,
		config:      config,
		trainDS:     trainDS,
		trainEvalDS: trainEvalDS,
		testDS:      testDS,
	}
	if config.L1Lambda < 0 {
		return nil, errors.Errorf("L1 regularization must be >= 0, got %g", config.L1Lambda)
	}

	if config.CheckpointDir != "" {
		checkpointDir, err := fsutil.ReplaceTildeInDir(config.CheckpointDir)
		if err != nil {
			return nil, err
		}
		keep := config.KeepCheckpoints
		if keep <= 0 {
			keep = -1
		}
		t.checkpoint, err = checkpoints.Build(ctx).
			Dir(checkpointDir).
			Keep(keep).
			ExcludeParams(ParamsExcludedFromSaving...).
			Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "creating checkpoint in %q", checkpointDir)
		}
		klog.Infof("Checkpointing model to %q", t.checkpoint.Dir())
	}

	// Set after loading the checkpoint, which restores the hyperparameters it was saved with.
	if config.L1Lambda > 0 {
		ctx.SetParam(regularizers.ParamL1, config.L1Lambda)
	}
	if !config.Scheduler {
		ctx.SetParam(cosineschedule.ParamPeriodSteps, 0)
		ctx.SetParam(cosineschedule.ParamCycles, 0)
	}
	if globalStep := optimizers.GetGlobalStep(ctx.In(quiznet.ModelScope)); globalStep > 0 {
		klog.Infof("Continuing training from global step %d", globalStep)
		ctx = ctx.Reuse()
		t.ctx = ctx
	}

	if config.StatsPath != "" && fsutil.MustFileExists(config.StatsPath) {
		stats, err := LoadStats(config.StatsPath)
		if err != nil {
			return nil, err
		}
		t.stats = stats
	} else {
		t.stats = NewStats(model.Name())
	}

	modelCtx := ctx.In(quiznet.ModelScope)
	meanAccuracyMetric := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)
	t.trainer = train.NewTrainer(backend, modelCtx, model.ModelGraph,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(modelCtx),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric})   // evalMetrics
	return t, nil
}

// Trainer returns the underlying train.Trainer.
func (t *Trainer) Trainer() *train.Trainer { return t.trainer }

// Checkpoint returns the checkpoint handler, or nil if checkpointing is disabled.
func (t *Trainer) Checkpoint() *checkpoints.Handler { return t.checkpoint }

// Stats returns the stats collected so far. It is nil if no epoch was ever trained.
func (t *Trainer) Stats() *Stats {
	if len(t.stats.Epochs) == 0 {
		return nil
	}
	return t.stats
}

// Run trains the model for the given number of epochs.
//
// At the end of each epoch it updates the batch normalization averages, evaluates the model on the
// train and test datasets, and appends the results to the stats. Stats, plots and checkpoint are saved
// after every epoch, if configured.
func (t *Trainer) Run(epochs int) (*Stats, error) {
	if epochs <= 0 {
		return nil, errors.Errorf("number of epochs must be > 0, got %d", epochs)
	}
	loop := train.NewLoop(t.trainer)
	if t.config.ProgressBar {
		commandline.AttachProgressBar(loop)
	}
	if context.GetParamOr(t.ctx, plotly.ParamPlots, false) {
		_ = plotly.New().
			WithCheckpoint(t.checkpoint).
			Dynamic().
			WithDatasets(t.trainEvalDS, t.testDS).
			ScheduleExponential(loop, 200, 1.2).
			WithBatchNormalizationAveragesUpdate(t.trainEvalDS)
	}

	// Train metrics of the last step of the epoch.
	trainLoss, trainAcc := math.NaN(), math.NaN()
	loop.OnStep("quiznet epoch metrics", 0, func(loop *train.Loop, stepMetrics []*tensors.Tensor) error {
		trainLoss, trainAcc = metricValues(loop.Trainer.TrainMetrics(), stepMetrics)
		return nil
	})

	firstEpoch := len(t.stats.Epochs)
	epochStart := time.Now()
	ds := &epochDataset{
		Dataset: t.trainDS,
		onEpochEnd: func() error {
			elapsed := time.Since(epochStart)
			err := t.endEpoch(firstEpoch+loop.Epoch, trainLoss, trainAcc, elapsed)
			epochStart = time.Now()
			return err
		},
	}
	if _, err := loop.RunEpochs(ds, epochs); err != nil {
		return nil, err
	}
	klog.V(1).Infof("[Step %d] median train step: %d microseconds",
		loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
	return t.stats, nil
}

// endEpoch collects and saves the stats of the epoch.
func (t *Trainer) endEpoch(epoch int, trainLoss, trainAcc float64, elapsed time.Duration) error {
	updated, err := batchnorm.UpdateAverages(t.trainer, t.trainEvalDS)
	if err != nil {
		return err
	}
	if updated {
		klog.V(1).Infof("Epoch %d: updated batch normalization mean/variances averages", epoch)
	}
	e := &EpochStats{
		Epoch:      epoch,
		GlobalStep: int(t.trainer.GlobalStep()),
		TrainLoss:  trainLoss,
		TrainAcc:   trainAcc,
		Seconds:    elapsed.Seconds(),
	}

	// Evaluation on the train dataset replaces the moving averages of the train metrics.
	if t.trainEvalDS != nil {
		e.TrainLoss, e.TrainAcc, err = t.evaluate(t.trainEvalDS)
		if err != nil {
			return err
		}
	}
	e.TestLoss, e.TestAcc, err = t.evaluate(t.testDS)
	if err != nil {
		return err
	}
	e.LearningRate = t.learningRate()
	t.stats.Epochs = append(t.stats.Epochs, e)
	klog.V(1).Infof("Epoch %d (step %d): train loss=%.4f acc=%.2f%%, test loss=%.4f acc=%.2f%%, lr=%g",
		e.Epoch, e.GlobalStep, e.TrainLoss, e.TrainAcc*100, e.TestLoss, e.TestAcc*100, e.LearningRate)

	if t.config.StatsPath != "" {
		if err = t.stats.Save(t.config.StatsPath); err != nil {
			return err
		}
	}
	if t.config.PlotsDir != "" {
		if err = t.stats.SavePlots(t.config.PlotsDir); err != nil {
			return err
		}
	}
	if t.checkpoint != nil {
		if err = t.checkpoint.Save(); err != nil {
			return errors.WithMessagef(err, "saving checkpoint at the end of epoch %d", epoch)
		}
		klog.Infof("Epoch %d: saved checkpoint to %q", epoch, t.checkpoint.Dir())
	}
	return nil
}

// evaluate the model on ds and return the loss and accuracy.
func (t *Trainer) evaluate(ds train.Dataset) (loss, accuracy float64, err error) {
	if ds == nil {
		return math.NaN(), math.NaN(), nil
	}
	evalMetrics, err := t.trainer.Eval(ds)
	if err != nil {
		return 0, 0, errors.WithMessagef(err, "evaluating on %q", ds.Name())
	}
	ds.Reset()
	loss, accuracy = metricValues(t.trainer.EvalMetrics(), evalMetrics)
	for _, m := range evalMetrics {
		m.MustFinalizeAll()
	}
	return loss, accuracy, nil
}

// learningRate returns the current value of the learning rate variable, or NaN if it was not created.
func (t *Trainer) learningRate() float64 {
	v := t.ctx.In(quiznet.ModelScope).In(optimizers.Scope).GetVariable(optimizers.ParamLearningRate)
	if v == nil {
		return math.NaN()
	}
	value, err := v.Value()
	if err != nil {
		klog.Warningf("Failed to read the learning rate: %+v", err)
		return math.NaN()
	}
	return shapes.ConvertTo[float64](value.Value())
}

// metricValues returns the loss and accuracy values among the metrics. The per-batch loss of the training
// metrics is skipped in favor of its moving average.
func metricValues(descriptions []metrics.Interface, values []*tensors.Tensor) (loss, accuracy float64) {
	loss, accuracy = math.NaN(), math.NaN()
	for ii, desc := range descriptions {
		if ii >= len(values) {
			break
		}
		switch desc.MetricType() {
		case metrics.LossMetricType:
			if desc.Name() == "Batch Loss" && !math.IsNaN(loss) {
				continue
			}
			loss = shapes.ConvertTo[float64](values[ii].Value())
		case metrics.AccuracyMetricType:
			accuracy = shapes.ConvertTo[float64](values[ii].Value())
		}
	}
	return
}

// epochDataset wraps the training dataset and calls onEpochEnd at the end of each epoch, before the
// io.EOF is returned to the training loop.
type epochDataset struct {
	train.Dataset
	onEpochEnd func() error
}

// Yield implements train.Dataset.
func (ds *epochDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	spec, inputs, labels, err = ds.Dataset.Yield()
	if err == io.EOF {
		if epochErr := ds.onEpochEnd(); epochErr != nil {
			return nil, nil, nil, epochErr
		}
	}
	return
}

// ShortName implements train.HasShortName.
func (ds *epochDataset) ShortName() string {
	if sn, ok := ds.Dataset.(train.HasShortName); ok {
		return sn.ShortName()
	}
	return ds.Name()
}

// IsOwnershipTransferred implements train.DatasetCustomOwnership.
func (ds *epochDataset) IsOwnershipTransferred() bool {
	if owner, ok := ds.Dataset.(train.DatasetCustomOwnership); ok {
		return owner.IsOwnershipTransferred()
	}
	return true
}
