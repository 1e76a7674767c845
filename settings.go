package hancho

import (
	"github.com/mitchellh/mapstructure"
)

// Options are the engine-wide knobs, normally filled from the command
// line.
type Options struct {
	// RootFile is the build script loaded first.
	RootFile string
	// RootDir is the directory the root script is resolved against.
	RootDir string
	// Target is a regex selecting which named tasks to queue; empty queues
	// everything.
	Target string
	// Jobs is the job pool size; <= 0 means the CPU count.
	Jobs int
	// KeepGoing stops the build after this many non-finished tasks; 0
	// keeps going forever. The CLI defaults it to 1.
	KeepGoing int
	Verbosity int
	Debug     bool
	Force     bool
	Trace     bool
	Quiet     bool
	DryRun    bool
	Shuffle   bool
}

// WithDefaults fills in the zero-value knobs.
func (o Options) WithDefaults() Options {
	if o.RootFile == "" {
		o.RootFile = "build.hancho"
	}
	return o
}

// taskSettings are the recognized scalar knobs a task config can carry.
// They are decoded out of the dynamic config once the await-inputs phase
// has settled every value, with weak typing so script scalars coerce
// naturally.
type taskSettings struct {
	Name       string `mapstructure:"name"`
	JobCount   int    `mapstructure:"job_count"`
	Verbosity  int    `mapstructure:"verbosity"`
	Debug      bool   `mapstructure:"debug"`
	Force      bool   `mapstructure:"force"`
	Trace      bool   `mapstructure:"trace"`
	ShouldFail bool   `mapstructure:"should_fail"`
	Depformat  string `mapstructure:"depformat"`
	InDepfile  string `mapstructure:"in_depfile"`
}

var settingsKeys = []string{
	"name", "job_count", "verbosity", "debug", "force", "trace",
	"should_fail", "depformat",
}

func decodeSettings(cfg *Config, opts Options) (taskSettings, error) {
	s := taskSettings{
		JobCount:  1,
		Verbosity: opts.Verbosity,
		Debug:     opts.Debug,
		Force:     opts.Force,
		Trace:     opts.Trace,
		Depformat: "gcc",
	}

	input := make(map[string]any)
	for _, key := range settingsKeys {
		if v, ok := cfg.Get(key); ok && v != nil {
			input[key] = v
		}
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &s,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return s, err
	}
	if err := dec.Decode(input); err != nil {
		return s, configErrorf("bad task settings: %v", err)
	}
	return s, nil
}
