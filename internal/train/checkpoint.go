package train

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"bitllama-go/internal/model"
	"bitllama-go/internal/weights"
)

// Checkpoint file names inside the output directory.
const (
	BestName      = "model_best.gguf"
	FinalName     = "model.gguf"
	InterruptName = "bit_llama_checkpoint.gguf"
	StateName     = "training_state.json"
	StopFileName  = "stop_signal"
)

// ErrLocked is returned when a checkpoint is locked by another process.
var ErrLocked = errors.New("checkpoint locked")

var periodicRe = regexp.MustCompile(`^checkpoint_step_(\d+)\.gguf$`)

func periodicName(step int) string { return fmt.Sprintf("checkpoint_step_%d.gguf", step) }

// State is the resume record written next to every checkpoint and to
// training_state.json.
type State struct {
	Step       int     `json:"step"`
	Loss       float32 `json:"loss"`
	Date       string  `json:"date"`
	Checkpoint string  `json:"checkpoint"`
	RunID      string  `json:"run_id"`
	Cursor     int     `json:"cursor,omitempty"`
}

// Checkpointer writes model checkpoints into Dir.
type Checkpointer struct {
	Dir   string
	Keep  int
	F16   bool
	RunID string
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Save writes m to Dir/name under an exclusive lock, then the state record
// as Dir/<name without .gguf>.json and Dir/training_state.json.
func (c *Checkpointer) Save(name string, m *model.Model, st State) (string, error) {
	path := filepath.Join(c.Dir, name)
	unlock, err := lockPath(path, true, true)
	if err != nil {
		return "", err
	}
	sink := weights.NewGGUFWriter(c.F16)
	err = m.Save(sink)
	if err == nil {
		err = sink.SetMeta("bitllama.step", uint64(st.Step))
	}
	if err == nil {
		err = sink.SetMeta("bitllama.run_id", c.RunID)
	}
	if err == nil {
		err = sink.Save(path)
	}
	unlock()
	if err != nil {
		return "", errors.WithMessagef(err, "save checkpoint %s", path)
	}

	st.Date = time.Now().Format(time.RFC3339)
	st.Checkpoint = name
	st.RunID = c.RunID
	base := name[:len(name)-len(filepath.Ext(name))]
	if err := writeJSON(filepath.Join(c.Dir, base+".json"), st); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(c.Dir, StateName), st); err != nil {
		return "", err
	}
	klog.Infof("checkpoint %s (step %d, loss %.4f)", path, st.Step, st.Loss)
	return path, nil
}

// SavePeriodic writes checkpoint_step_N.gguf and removes all but the newest
// Keep periodic checkpoints.
func (c *Checkpointer) SavePeriodic(m *model.Model, st State) (string, error) {
	path, err := c.Save(periodicName(st.Step), m, st)
	if err != nil {
		return "", err
	}
	return path, c.rotate()
}

// Periodic lists the step numbers of periodic checkpoints in Dir, ascending.
func (c *Checkpointer) Periodic() ([]int, error) {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		return nil, err
	}
	var steps []int
	for _, e := range entries {
		if m := periodicRe.FindStringSubmatch(e.Name()); m != nil {
			n, _ := strconv.Atoi(m[1])
			steps = append(steps, n)
		}
	}
	slices.Sort(steps)
	return steps, nil
}

func (c *Checkpointer) rotate() error {
	steps, err := c.Periodic()
	if err != nil {
		return err
	}
	keep := max(c.Keep, 1)
	for _, s := range steps[:max(0, len(steps)-keep)] {
		name := periodicName(s)
		path := filepath.Join(c.Dir, name)
		for _, p := range []string{path, path[:len(path)-len(".gguf")] + ".json", path + ".lock"} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
		klog.V(1).Infof("removed old checkpoint %s", name)
	}
	return nil
}

// LoadState reads Dir/training_state.json. A missing file is not an error
// and returns a zero state.
func LoadState(dir string) (State, error) {
	var st State
	raw, err := os.ReadFile(filepath.Join(dir, StateName))
	if os.IsNotExist(err) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	return st, errors.Wrap(json.Unmarshal(raw, &st), StateName)
}

// LoadCheckpoint opens path under a shared lock and builds the model from it.
func LoadCheckpoint(path string, cfg model.Config, opts model.Options) (*model.Model, error) {
	unlock, err := lockPath(path, false, true)
	if err != nil {
		return nil, err
	}
	defer unlock()
	src, err := weights.OpenGGUF(path)
	if err != nil {
		return nil, err
	}
	return model.Load(src, cfg, opts)
}
