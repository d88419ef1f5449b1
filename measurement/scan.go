package measurement

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/w1xm/mumasp/internal/logging"
	"github.com/w1xm/mumasp/telescope"
	"go.uber.org/zap"
)

// LogFileName is the scan log written into every scan directory.
const LogFileName = "mumasp.log"

var (
	ErrInvalidPositions = errors.New("invalid scan positions")
	// ErrScanExists also matches fs.ErrExist.
	ErrScanExists = fmt.Errorf("scan directory already exists: %w", fs.ErrExist)
)

// Instrument is what a scan drives: a buffer to measure with and a mount to
// point. *telescope.Telescope implements it.
type Instrument interface {
	Buffer
	MoveTo(ctx context.Context, pos telescope.Position) error
}

// Publisher receives each record after it has been written to disk.
type Publisher interface {
	Publish(ctx context.Context, rec Record) error
}

type State string

const (
	StateSkipped   State = "skipped"
	StateMeasuring State = "measuring"
	StateDone      State = "done"
)

// Progress reports one step of a scan.
type Progress struct {
	RunID    string             `json:"run_id"`
	Index    int                `json:"index"`
	Total    int                `json:"total"`
	Position telescope.Position `json:"position"`
	State    State              `json:"state"`
	Triggers int                `json:"triggers,omitempty"`
}

type ScanOptions struct {
	// Dir receives one record per position and the scan log.
	Dir string
	// SkipExisting skips positions whose record already exists, which
	// resumes an interrupted scan. With it an existing Dir is reused rather
	// than refused outright; without it an existing Dir is an error.
	SkipExisting bool
	Measurement  Config
}

// NewScanOptions returns options for a resumable scan into dir with the
// default measurement limits.
func NewScanOptions(dir string) ScanOptions {
	return ScanOptions{Dir: dir, SkipExisting: true, Measurement: DefaultConfig()}
}

// Check reports errors Scan would fail with before touching the device: bad
// limits, or an existing directory that may not be resumed. Scan repeats
// these checks itself.
func (o ScanOptions) Check() error {
	if err := o.Measurement.Validate(); err != nil {
		return err
	}
	if o.SkipExisting {
		return nil
	}
	if _, err := os.Stat(o.Dir); err == nil {
		return fmt.Errorf("%w: %q; choose another directory or delete it", ErrScanExists, o.Dir)
	}
	return nil
}

// PositionsFromPairs converts [theta, phi] pairs, as found in JSON position
// lists.
func PositionsFromPairs(pairs [][]float64) ([]telescope.Position, error) {
	positions := make([]telescope.Position, len(pairs))
	for i, pair := range pairs {
		pos, err := telescope.FromPair(pair)
		if err != nil {
			return nil, fmt.Errorf("%w: position %d: %w", ErrInvalidPositions, i, err)
		}
		positions[i] = pos
	}
	return positions, nil
}

func validatePositions(positions []telescope.Position) error {
	for i, pos := range positions {
		if err := pos.Validate(); err != nil {
			return fmt.Errorf("%w: position %d: %w", ErrInvalidPositions, i, err)
		}
	}
	return nil
}

// RasterPositions is the Cartesian product of thetas and phis, theta-major.
func RasterPositions(thetas, phis []float64) []telescope.Position {
	positions := make([]telescope.Position, 0, len(thetas)*len(phis))
	for _, theta := range thetas {
		for _, phi := range phis {
			positions = append(positions, telescope.Position{Theta: theta, Phi: phi})
		}
	}
	return positions
}

// RasterScan scans every combination of thetas and phis.
func (r *Runner) RasterScan(ctx context.Context, inst Instrument, thetas, phis []float64, opts ScanOptions) error {
	return r.Scan(ctx, inst, RasterPositions(thetas, phis), opts)
}

// Scan measures at each position in order and writes one record per position
// into opts.Dir. Positions and limits are validated before anything touches
// the disk or the device.
func (r *Runner) Scan(ctx context.Context, inst Instrument, positions []telescope.Position, opts ScanOptions) (err error) {
	if err := validatePositions(positions); err != nil {
		return err
	}
	if err := opts.Measurement.Validate(); err != nil {
		return err
	}
	if err := makeScanDir(opts.Dir, opts.SkipExisting); err != nil {
		return err
	}

	runID := uuid.NewString()
	log, release, err := logging.AttachFile(r.logger(), filepath.Join(opts.Dir, LogFileName))
	if err != nil {
		return err
	}
	defer func() {
		if rerr := release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	log = log.With(zap.String("run", runID))
	log.Info("Starting scan", zap.String("dir", opts.Dir), zap.Int("positions", len(positions)))

	total := len(positions)
	for i, pos := range positions {
		path := RecordPath(opts.Dir, pos)
		progress := Progress{RunID: runID, Index: i, Total: total, Position: pos}
		plog := log.With(zap.Int("index", i), zap.Int("total", total), zap.Stringer("position", pos))

		if opts.SkipExisting {
			if _, err := os.Stat(path); err == nil {
				plog.Info("Skipping measurement, file already exists", zap.String("file", path))
				progress.State = StateSkipped
				r.report(progress)
				continue
			}
		}

		plog.Info("Measuring")
		progress.State = StateMeasuring
		r.report(progress)
		if err := inst.MoveTo(ctx, pos); err != nil {
			plog.Error("Scan aborted", zap.Error(err))
			return fmt.Errorf("moving to %v: %w", pos, err)
		}
		res, err := r.measure(ctx, plog, inst, opts.Measurement)
		if err != nil {
			plog.Error("Scan aborted", zap.Error(err))
			return fmt.Errorf("measuring at %v: %w", pos, err)
		}
		rec := NewRecord(pos, res)
		if err := WriteRecord(path, rec); err != nil {
			return err
		}
		plog.Info("Measurement saved", zap.String("file", path), zap.Int("triggers", rec.NTriggers))

		if r.Publisher != nil {
			if err := r.Publisher.Publish(ctx, rec); err != nil {
				plog.Warn("Publishing measurement failed", zap.Error(err))
			}
		}
		progress.State = StateDone
		progress.Triggers = rec.NTriggers
		r.report(progress)
	}
	log.Info("Scan finished")
	return nil
}

func (r *Runner) report(p Progress) {
	if r.Progress != nil {
		r.Progress(p)
	}
}

func makeScanDir(dir string, resume bool) error {
	err := os.Mkdir(dir, 0o755)
	if err == nil || !errors.Is(err, fs.ErrExist) {
		return err
	}
	if !resume {
		return fmt.Errorf("%w: %q; choose another directory or delete it", ErrScanExists, dir)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %q is not a directory", ErrScanExists, dir)
	}
	return nil
}
