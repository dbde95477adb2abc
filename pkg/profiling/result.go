// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package profiling

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/predtop/pkg/costmodel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ResultFilePrefix is the prefix of the dump files written by Result.Dump, followed by the timestamp
// of the dump.
const ResultFilePrefix = "profile-results-"

// resultTimeLayout is the timestamp format used in the name of the dump files.
const resultTimeLayout = "2006-01-02-15-04-05"

// Result of a profiling run.
type Result struct {
	RunID uuid.UUID

	// Costs of the stages, +Inf where missing.
	Costs *CostMatrix

	// MaxSuccessiveStages has the same shape as Costs and is not filled yet: all its entries
	// are +Inf.
	MaxSuccessiveStages *CostMatrix

	// Profiles holds all the profile results known at the end of the run, including the cached ones.
	Profiles ProfileCache

	// Models trained during the run, if any.
	Models map[ModelKey]costmodel.Slot

	// ProfileResultFile is the path of the dump of the results, set by Dump.
	ProfileResultFile string
}

// Latency of the pipeline made of the stages with the given keys, using the costs of the matrix.
// It is +Inf if any of the stages is missing.
func (r *Result) Latency(keys []StageKey, numMicroBatches int) float64 {
	costs := make([]float64, len(keys))
	for i, k := range keys {
		costs[i] = r.Costs.At(k)
	}
	return PipelineLatency(costs, numMicroBatches)
}

// resultDump is the serialized form of a Result.
type resultDump struct {
	RunID    string
	Shape    [4]int
	Entries  []Entry
	Profiles ProfileCache
}

// Dump writes the cost matrix and the profile results to a timestamped file in dir, and returns its
// path, also stored in r.ProfileResultFile.
func (r *Result) Dump(dir string) (string, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "creating result directory %q", dir)
	}
	path := filepath.Join(dir, ResultFilePrefix+time.Now().Format(resultTimeLayout)+".gob")
	f, err := os.Create(path)
	if err != nil {
		return "", errors.Wrapf(err, "creating result file %q", path)
	}
	dump := resultDump{
		RunID:    r.RunID.String(),
		Shape:    r.Costs.Shape(),
		Entries:  r.Costs.Entries(),
		Profiles: r.Profiles,
	}
	if err := gob.NewEncoder(f).Encode(&dump); err != nil {
		_ = f.Close()
		return "", errors.Wrapf(err, "encoding results to %q", path)
	}
	if err := f.Close(); err != nil {
		return "", errors.Wrapf(err, "closing result file %q", path)
	}
	r.ProfileResultFile = path
	return path, nil
}

// LoadResult reads a dump written by Result.Dump. The models of the run are not part of the dump.
func LoadResult(path string) (*Result, error) {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening result file %q", path)
	}
	defer func() { _ = f.Close() }()
	var dump resultDump
	if err := gob.NewDecoder(f).Decode(&dump); err != nil {
		return nil, errors.Wrapf(err, "decoding result file %q", path)
	}
	runID, err := uuid.Parse(dump.RunID)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid run id in %q", path)
	}
	shape := dump.Shape
	if shape[0] != shape[1] {
		return nil, errors.Errorf("invalid cost matrix shape %v in %q", shape, path)
	}
	res := &Result{
		RunID:               runID,
		Costs:               NewCostMatrix(shape[0], shape[2], shape[3]),
		MaxSuccessiveStages: NewCostMatrix(shape[0], shape[2], shape[3]),
		Profiles:            dump.Profiles,
		Models:              make(map[ModelKey]costmodel.Slot),
		ProfileResultFile:   path,
	}
	if res.Profiles == nil {
		res.Profiles = make(ProfileCache)
	}
	for _, e := range dump.Entries {
		if !res.Costs.Contains(e.Key) {
			return nil, errors.Errorf("entry %s out of bounds of shape %v in %q", e.Key, shape, path)
		}
		switch e.Source {
		case SourceMeasured:
			res.Costs.SetMeasured(e.Key, e.Cost)
		case SourcePredicted:
			res.Costs.SetPredicted(e.Key, e.Cost)
		}
	}
	return res, nil
}
