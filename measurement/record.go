package measurement

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/w1xm/mumasp/internal/version"
	"github.com/w1xm/mumasp/telescope"
)

// Record is the on-disk result for one position: a JSON header line followed
// by one trigger timestamp per line. Header fields keep the file format of
// earlier releases.
type Record struct {
	ThetaDeg  float64 `json:"theta_deg"`
	PhiDeg    float64 `json:"phi_deg"`
	NTriggers int     `json:"n_triggers"`
	TStartS   float64 `json:"t_start_s"`
	TElapsedS float64 `json:"t_elapsed_s"`
	Version   string  `json:"version"`

	Triggers []int64 `json:"-"`
}

// NewRecord describes res measured at pos.
func NewRecord(pos telescope.Position, res *Result) Record {
	return Record{
		ThetaDeg:  pos.Theta,
		PhiDeg:    pos.Phi,
		NTriggers: len(res.Triggers),
		TStartS:   float64(res.Start.UnixNano()) / 1e9,
		TElapsedS: res.Elapsed.Seconds(),
		Version:   version.Version,
		Triggers:  res.Triggers,
	}
}

func (r Record) Position() telescope.Position {
	return telescope.Position{Theta: r.ThetaDeg, Phi: r.PhiDeg}
}

func (r Record) Start() time.Time {
	sec := int64(r.TStartS)
	return time.Unix(sec, int64((r.TStartS-float64(sec))*1e9))
}

// RecordName is the file name of the record for pos. It only depends on the
// position, which is what lets a scan resume.
func RecordName(pos telescope.Position) string {
	return fmt.Sprintf("meas_t%.2f_p%.2f.txt", pos.Theta, pos.Phi)
}

func RecordPath(dir string, pos telescope.Position) string {
	return filepath.Join(dir, RecordName(pos))
}

// Encode writes the record in its file format.
func (r Record) Encode(w io.Writer) error {
	bw := bufio.NewWriter(w)
	header, err := json.Marshal(r)
	if err != nil {
		return err
	}
	bw.Write(header)
	bw.WriteByte('\n')
	for _, t := range r.Triggers {
		bw.WriteString(strconv.FormatInt(t, 10))
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// WriteRecord writes rec to path through a temporary file in the same
// directory, so path either does not exist or holds the complete record.
func WriteRecord(path string, rec Record) (err error) {
	f, err := os.CreateTemp(filepath.Dir(path), ".meas-*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()
	if err := rec.Encode(f); err != nil {
		return fmt.Errorf("writing %q: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

// ReadRecord parses a record file.
func ReadRecord(path string) (Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return Record{}, err
	}
	defer f.Close()
	return DecodeRecord(f)
}

func DecodeRecord(r io.Reader) (Record, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("empty record")
	}
	var rec Record
	if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
		return Record{}, fmt.Errorf("parsing record header: %w", err)
	}
	rec.Triggers = make([]int64, 0, rec.NTriggers)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		v, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("parsing trigger %q: %w", line, err)
		}
		rec.Triggers = append(rec.Triggers, v)
	}
	if err := scanner.Err(); err != nil {
		return Record{}, err
	}
	return rec, nil
}
