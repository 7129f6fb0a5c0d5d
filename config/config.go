// Package config loads the relay configuration.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	"github.com/Tutortoise/detection-relay/brightness"
	"github.com/Tutortoise/detection-relay/detections"
	"github.com/Tutortoise/detection-relay/fusion"
	"github.com/Tutortoise/detection-relay/mosaic"
	"github.com/Tutortoise/detection-relay/store"
)

type Config struct {
	Addr  string `json:"addr"`
	Debug bool   `json:"debug"`

	Classifier ClassifierConfig `json:"classifier"`
	Proposals  ProposalsConfig  `json:"proposals"`
	Pipeline   PipelineConfig   `json:"pipeline"`
	Mosaic     MosaicConfig     `json:"mosaic"`
	Store      StoreConfig      `json:"store"`
}

type ClassifierConfig struct {
	ModelPath   string            `json:"model_path"`
	LibraryPath string            `json:"library_path"`
	InputName   string            `json:"input_name"`
	OutputName  string            `json:"output_name"`
	InputWidth  int               `json:"input_width"`
	InputHeight int               `json:"input_height"`
	Layout      detections.Layout `json:"layout"`
	BGR         bool              `json:"bgr"`
	NumOutputs  int               `json:"num_outputs"`
	MinProb     float64           `json:"min_prob"`
	PoolSize    int               `json:"pool_size"`
	Threads     int               `json:"threads"`
	Timeout     Duration          `json:"timeout"`
}

type ProposalsConfig struct {
	// Backend is "remote" or "grid".
	Backend string   `json:"backend"`
	URL     string   `json:"url"`
	Max     int      `json:"max"`
	Timeout Duration `json:"timeout"`
}

type PipelineConfig struct {
	CutWidth           int     `json:"cut_width"`
	FusionIoUThreshold float64 `json:"fusion_iou_threshold"`
	SkipBoxThreshold   float64 `json:"skip_box_threshold"`
	BrightnessLimit    float64 `json:"brightness_limit"`
	BrightnessFactor   float64 `json:"brightness_factor"`
}

type MosaicConfig struct {
	FrameWidth   int    `json:"frame_width"`
	ImagesPerRow int    `json:"images_per_row"`
	Padding      int    `json:"padding"`
	OutputKey    string `json:"output_key"`
}

type StoreConfig struct {
	// Backend is "disk", "memory" or "cos".
	Backend string          `json:"backend"`
	Dir     string          `json:"dir"`
	COS     store.COSConfig `json:"cos"`
}

// Duration reads "10s" style strings from YAML.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %s", string(b))
	}
	*d = Duration(parsed)
	return nil
}

func Default() Config {
	return Config{
		Addr: "127.0.0.1:8080",
		Classifier: ClassifierConfig{
			ModelPath:   "models/classifier.onnx",
			LibraryPath: "lib",
			InputName:   "input",
			OutputName:  "output",
			InputWidth:  detections.InputWidth,
			InputHeight: detections.InputHeight,
			Layout:      detections.LayoutNHWC,
			NumOutputs:  detections.NumOutputs,
			MinProb:     detections.MinProb,
			PoolSize:    detections.DefaultPoolSize,
			Timeout:     Duration(detections.DefaultInferTimeout),
		},
		Proposals: ProposalsConfig{
			Backend: "remote",
			URL:     "http://127.0.0.1:5000/proposals",
			Max:     detections.MaxProposalsInfer,
			Timeout: Duration(10 * time.Second),
		},
		Pipeline: PipelineConfig{
			CutWidth:           3,
			FusionIoUThreshold: fusion.DefaultIoUThreshold,
			SkipBoxThreshold:   fusion.DefaultSkipBoxThreshold,
			BrightnessLimit:    brightness.DefaultThreshold,
			BrightnessFactor:   brightness.DefaultFactor,
		},
		Mosaic: MosaicConfig{
			FrameWidth:   mosaic.DefaultFrameWidth,
			ImagesPerRow: mosaic.DefaultImagesPerRow,
			Padding:      mosaic.DefaultPadding,
			OutputKey:    "stitched_output.png",
		},
		Store: StoreConfig{
			Backend: "disk",
			Dir:     ".",
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.Pipeline.CutWidth <= 0:
		return errors.Errorf("pipeline.cut_width must be positive, got %d", c.Pipeline.CutWidth)
	case c.Pipeline.FusionIoUThreshold <= 0 || c.Pipeline.FusionIoUThreshold > 1:
		return errors.Errorf("pipeline.fusion_iou_threshold must be in (0,1], got %v", c.Pipeline.FusionIoUThreshold)
	case c.Pipeline.BrightnessFactor <= 0 || c.Pipeline.BrightnessFactor >= 1:
		return errors.Errorf("pipeline.brightness_factor must be in (0,1), got %v", c.Pipeline.BrightnessFactor)
	case c.Classifier.InputWidth <= 0 || c.Classifier.InputHeight <= 0:
		return errors.New("classifier input dimensions must be positive")
	case c.Classifier.NumOutputs < detections.NumClasses:
		return errors.Errorf("classifier.num_outputs must be at least %d", detections.NumClasses)
	case c.Classifier.Layout != detections.LayoutNHWC && c.Classifier.Layout != detections.LayoutNCHW:
		return errors.Errorf("unknown classifier.layout %q", c.Classifier.Layout)
	case c.Proposals.Max <= 0:
		return errors.New("proposals.max must be positive")
	case c.Proposals.Backend != "remote" && c.Proposals.Backend != "grid":
		return errors.Errorf("unknown proposals.backend %q", c.Proposals.Backend)
	case c.Proposals.Backend == "remote" && c.Proposals.URL == "":
		return errors.New("proposals.url is required for the remote backend")
	case c.Mosaic.ImagesPerRow <= 0 || c.Mosaic.FrameWidth <= 0:
		return errors.New("mosaic geometry must be positive")
	}

	switch c.Store.Backend {
	case "disk", "memory":
	case "cos":
		if c.Store.COS.BucketURL == "" {
			return errors.New("store.cos.bucket_url is required for the cos backend")
		}
	default:
		return errors.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	return nil
}
