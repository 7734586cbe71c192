// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/go-gota/gota/dataframe"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EpochStats are the measurements collected at the end of one training epoch.
type EpochStats struct {
	Epoch      int     `json:"epoch" dataframe:"epoch"`
	GlobalStep int     `json:"global_step" dataframe:"global_step"`
	TrainLoss  float64 `json:"train_loss" dataframe:"train_loss"`
	TrainAcc   float64 `json:"train_accuracy" dataframe:"train_accuracy"`
	TestLoss   float64 `json:"test_loss" dataframe:"test_loss"`
	TestAcc    float64 `json:"test_accuracy" dataframe:"test_accuracy"`

	// LearningRate at the end of the epoch, after the schedule was applied.
	LearningRate float64 `json:"learning_rate" dataframe:"learning_rate"`

	// Seconds spent training the epoch, not including evaluation.
	Seconds float64 `json:"seconds" dataframe:"seconds"`
}

// epochStatsJSON is the JSON encoding of EpochStats: non-finite values (NaN when a metric is not available,
// or a diverged loss) are encoded as null.
type epochStatsJSON struct {
	Epoch        int      `json:"epoch"`
	GlobalStep   int      `json:"global_step"`
	TrainLoss    *float64 `json:"train_loss"`
	TrainAcc     *float64 `json:"train_accuracy"`
	TestLoss     *float64 `json:"test_loss"`
	TestAcc      *float64 `json:"test_accuracy"`
	LearningRate *float64 `json:"learning_rate"`
	Seconds      *float64 `json:"seconds"`
}

func finiteOrNil(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func valueOrNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

// MarshalJSON implements json.Marshaler.
func (e *EpochStats) MarshalJSON() ([]byte, error) {
	return json.Marshal(&epochStatsJSON{
		Epoch:        e.Epoch,
		GlobalStep:   e.GlobalStep,
		TrainLoss:    finiteOrNil(e.TrainLoss),
		TrainAcc:     finiteOrNil(e.TrainAcc),
		TestLoss:     finiteOrNil(e.TestLoss),
		TestAcc:      finiteOrNil(e.TestAcc),
		LearningRate: finiteOrNil(e.LearningRate),
		Seconds:      finiteOrNil(e.Seconds),
	})
}

// UnmarshalJSON implements json.Unmarshaler. Null or missing values are decoded as NaN.
func (e *EpochStats) UnmarshalJSON(data []byte) error {
	var decoded epochStatsJSON
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*e = EpochStats{
		Epoch:        decoded.Epoch,
		GlobalStep:   decoded.GlobalStep,
		TrainLoss:    valueOrNaN(decoded.TrainLoss),
		TrainAcc:     valueOrNaN(decoded.TrainAcc),
		TestLoss:     valueOrNaN(decoded.TestLoss),
		TestAcc:      valueOrNaN(decoded.TestAcc),
		LearningRate: valueOrNaN(decoded.LearningRate),
		Seconds:      valueOrNaN(decoded.Seconds),
	}
	return nil
}

// Stats of a training run, one EpochStats per epoch trained.
//
// A training continued from a checkpoint appends to the Stats of the previous runs, if they are loaded
// from the same StatsPath.
type Stats struct {
	// RunID identifies the training run that created the stats.
	RunID string `json:"run_id"`

	// Model name.
	Model string `json:"model"`

	Started time.Time     `json:"started"`
	Epochs  []*EpochStats `json:"epochs"`
}

// NewStats creates an empty Stats for the model, with a new RunID.
func NewStats(model string) *Stats {
	return &Stats{
		RunID:   uuid.NewString(),
		Model:   model,
		Started: time.Now(),
	}
}

// Last returns the stats of the last epoch, or nil if there are none.
func (s *Stats) Last() *EpochStats {
	if s == nil || len(s.Epochs) == 0 {
		return nil
	}
	return s.Epochs[len(s.Epochs)-1]
}

// Best returns the epoch with the highest test accuracy. Ties are resolved by the lowest test loss,
// and then by the earliest epoch. Epochs without a test accuracy (NaN) are ignored.
// It returns nil if there are no such epochs.
func (s *Stats) Best() *EpochStats {
	if s == nil {
		return nil
	}
	var best *EpochStats
	for _, e := range s.Epochs {
		if math.IsNaN(e.TestAcc) {
			continue
		}
		if best == nil || e.TestAcc > best.TestAcc || (e.TestAcc == best.TestAcc && e.TestLoss < best.TestLoss) {
			best = e
		}
	}
	return best
}

// Save the stats as JSON to filePath. It writes to a temporary file first, and then renames it.
func (s *Stats) Save(filePath string) error {
	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0777); err != nil {
			return errors.Wrapf(err, "creating directory for stats file %q", filePath)
		}
	}
	contents, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encoding stats for %q", filePath)
	}
	tmpPath := filePath + ".tmp"
	if err = os.WriteFile(tmpPath, contents, 0644); err != nil {
		return errors.Wrapf(err, "writing stats to %q", tmpPath)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		return errors.Wrapf(err, "renaming stats file %q to %q", tmpPath, filePath)
	}
	klog.V(1).Infof("Saved stats of %d epochs to %q", len(s.Epochs), filePath)
	return nil
}

// LoadStats reads the stats saved with Stats.Save.
func LoadStats(filePath string) (*Stats, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading stats from %q", filePath)
	}
	s := &Stats{}
	if err = json.Unmarshal(contents, s); err != nil {
		return nil, errors.Wrapf(err, "decoding stats from %q", filePath)
	}
	return s, nil
}

// DataFrame returns the epochs as a table, one row per epoch.
func (s *Stats) DataFrame() dataframe.DataFrame {
	rows := make([]EpochStats, 0, len(s.Epochs))
	for _, e := range s.Epochs {
		rows = append(rows, *e)
	}
	return dataframe.LoadStructs(rows)
}

// SaveCSV writes the epochs table as CSV to filePath.
func (s *Stats) SaveCSV(filePath string) error {
	if len(s.Epochs) == 0 {
		return errors.Errorf("no epochs to save to %q", filePath)
	}
	df := s.DataFrame()
	if df.Err != nil {
		return errors.Wrapf(df.Err, "building table of stats")
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating CSV file %q", filePath)
	}
	if err = df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing CSV file %q", filePath)
	}
	return errors.Wrapf(f.Close(), "closing CSV file %q", filePath)
}
