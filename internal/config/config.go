// Package config loads streampush options with the precedence CLI flags >
// environment (STREAMPUSH_ prefix) > TOML file > built-in defaults.
//
// Options is a flat struct. Each field maps to a dotted TOML key through
// its toml tag, to an environment variable through its env tag, and to a
// kebab-case flag derived from the field name (PipelineMaxIterations
// becomes --pipeline-max-iterations).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"

	"github.com/zsiec/streampush/internal/logging"
	"github.com/zsiec/streampush/internal/stream"
	"github.com/zsiec/streampush/internal/timebase"
)

// EnvPrefix is prepended to every env tag.
const EnvPrefix = "STREAMPUSH_"

// Options holds every tunable of a push session.
type Options struct {
	Config string `help:"Path to configuration file" default:"streampush.toml"`

	CodecBackend string `help:"Codec backend (auto, native, ffmpeg)" default:"auto" toml:"codec.backend" env:"CODEC_BACKEND"`

	PipelineMaxIterations     int    `help:"Stop after this many packets (0 = unbounded)" default:"20000" toml:"pipeline.max_iterations" env:"PIPELINE_MAX_ITERATIONS"`
	PipelineProbePackets      int    `help:"Demuxed packets to read while probing streams" default:"2048" toml:"pipeline.probe_packets" env:"PIPELINE_PROBE_PACKETS"`
	PipelineVideoSource       int    `help:"Input stream index mapped to the video output" default:"0" toml:"pipeline.video_source" env:"PIPELINE_VIDEO_SOURCE"`
	PipelineAudioSource       int    `help:"Input stream index mapped to the audio output" default:"1" toml:"pipeline.audio_source" env:"PIPELINE_AUDIO_SOURCE"`
	PipelineVideoMode         string `help:"Video output mode (copy, encode)" default:"copy" toml:"pipeline.video_mode" env:"PIPELINE_VIDEO_MODE"`
	PipelineAudioMode         string `help:"Audio output mode (copy, encode)" default:"copy" toml:"pipeline.audio_mode" env:"PIPELINE_AUDIO_MODE"`
	PipelineEncoderTimestamps bool   `help:"Keep encoder packet timestamps instead of the source DTS" default:"false" toml:"pipeline.encoder_timestamps" env:"PIPELINE_ENCODER_TIMESTAMPS"`
	PipelineForcedFrameRate   string `help:"Snap stream-copied video DTS to this frame rate, as num/den (empty = off)" default:"" toml:"pipeline.forced_frame_rate" env:"PIPELINE_FORCED_FRAME_RATE"`

	EncodeVideoBitrate int `help:"Video encoder bitrate in bit/s (0 = backend default)" default:"0" toml:"encode.video_bitrate" env:"ENCODE_VIDEO_BITRATE"`
	EncodeAudioBitrate int `help:"Audio encoder bitrate in bit/s (0 = backend default)" default:"0" toml:"encode.audio_bitrate" env:"ENCODE_AUDIO_BITRATE"`
	EncodeGOPSize      int `help:"Video encoder GOP size in frames (0 = backend default)" default:"0" toml:"encode.gop_size" env:"ENCODE_GOP_SIZE"`

	SampleEnabled   bool   `help:"Write sampled video frames as BMP" default:"true" toml:"sample.enabled" env:"SAMPLE_ENABLED"`
	SampleEvery     int    `help:"Sample every Nth decoded video frame" default:"2" toml:"sample.every" env:"SAMPLE_EVERY"`
	SampleQueueSize int    `help:"Sample queue capacity" default:"1000" toml:"sample.queue_size" env:"SAMPLE_QUEUE_SIZE"`
	SamplePath      string `help:"Sample image path" default:"test.bmp" toml:"sample.path" env:"SAMPLE_PATH"`
	SampleMaxWidth  int    `help:"Downscale samples wider than this (0 = keep size)" default:"0" toml:"sample.max_width" env:"SAMPLE_MAX_WIDTH"`

	MetricsAddr string `help:"Serve Prometheus metrics on this address (empty = off)" default:"" toml:"metrics.addr" env:"METRICS_ADDR"`

	LoggingLevel    string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat   string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingIngest   string `help:"Ingest logging level" default:"" toml:"logging.ingest" env:"LOGGING_INGEST"`
	LoggingPipeline string `help:"Pipeline logging level" default:"" toml:"logging.pipeline" env:"LOGGING_PIPELINE"`
	LoggingMux      string `help:"Muxer logging level" default:"" toml:"logging.mux" env:"LOGGING_MUX"`
	LoggingSample   string `help:"Sampling logging level" default:"" toml:"logging.sample" env:"LOGGING_SAMPLE"`
	LoggingRTMP     string `help:"RTMP client logging level" default:"" toml:"logging.rtmp" env:"LOGGING_RTMP"`
}

// Default returns Options with every field at its default tag value.
func Default() Options {
	var o Options
	v := reflect.ValueOf(&o).Elem()
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		if def, ok := t.Field(i).Tag.Lookup("default"); ok {
			setFieldValueFromString(v.Field(i), def)
		}
	}
	return o
}

// BindFlags registers one flag per field of opts, with the current field
// values as flag defaults.
func BindFlags(fset *pflag.FlagSet, opts *Options) {
	v := reflect.ValueOf(opts).Elem()
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		name := fieldNameToFlag(field.Name)
		help := field.Tag.Get("help")
		switch p := v.Field(i).Addr().Interface().(type) {
		case *string:
			fset.StringVar(p, name, *p, help)
		case *bool:
			fset.BoolVar(p, name, *p, help)
		case *int:
			fset.IntVar(p, name, *p, help)
		}
	}
}

// Load applies the TOML file named by opts.Config and then the environment
// to opts, skipping fields whose flag was set on the command line. A
// missing config file is only an error when --config was given.
func Load(opts *Options, fset *pflag.FlagSet) error {
	changed := make(map[string]bool)
	if fset != nil {
		fset.VisitAll(func(f *pflag.Flag) {
			if f.Changed {
				changed[f.Name] = true
			}
		})
	}

	v := reflect.ValueOf(opts).Elem()
	t := v.Type()

	if opts.Config != "" {
		data, err := os.ReadFile(opts.Config)
		switch {
		case err == nil:
			var tree map[string]any
			if err := toml.Unmarshal(data, &tree); err != nil {
				return fmt.Errorf("parse config %s: %w", opts.Config, err)
			}
			for i := 0; i < v.NumField(); i++ {
				field := t.Field(i)
				if changed[fieldNameToFlag(field.Name)] {
					continue
				}
				if path := field.Tag.Get("toml"); path != "" {
					if value := getNestedValue(tree, path); value != nil {
						if err := setFieldValue(v.Field(i), value); err != nil {
							return fmt.Errorf("config %s: %s: %w", opts.Config, path, err)
						}
					}
				}
			}
		case errors.Is(err, fs.ErrNotExist) && !changed["config"]:
		default:
			return fmt.Errorf("read config: %w", err)
		}
	}

	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		if changed[fieldNameToFlag(field.Name)] {
			continue
		}
		if key := field.Tag.Get("env"); key != "" {
			if value := os.Getenv(EnvPrefix + key); value != "" {
				if !setFieldValueFromString(v.Field(i), value) {
					return fmt.Errorf("environment %s%s: invalid value %q", EnvPrefix, key, value)
				}
			}
		}
	}
	return nil
}

// Validate checks option ranges and enumerations.
func (o *Options) Validate() error {
	var errs []error
	if o.PipelineMaxIterations < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_iterations %d: must be >= 0", o.PipelineMaxIterations))
	}
	if o.PipelineProbePackets < 1 {
		errs = append(errs, fmt.Errorf("pipeline.probe_packets %d: must be >= 1", o.PipelineProbePackets))
	}
	if o.PipelineVideoSource < 0 || o.PipelineAudioSource < 0 {
		errs = append(errs, errors.New("pipeline source indexes must be >= 0"))
	}
	if _, err := stream.ParseMode(o.PipelineVideoMode); err != nil {
		errs = append(errs, fmt.Errorf("pipeline.video_mode: %w", err))
	}
	if _, err := stream.ParseMode(o.PipelineAudioMode); err != nil {
		errs = append(errs, fmt.Errorf("pipeline.audio_mode: %w", err))
	}
	if o.PipelineForcedFrameRate != "" {
		if _, err := timebase.Parse(o.PipelineForcedFrameRate); err != nil {
			errs = append(errs, fmt.Errorf("pipeline.forced_frame_rate: %w", err))
		}
	}
	if o.EncodeVideoBitrate < 0 || o.EncodeAudioBitrate < 0 || o.EncodeGOPSize < 0 {
		errs = append(errs, errors.New("encode settings must be >= 0"))
	}
	if o.SampleEvery < 1 {
		errs = append(errs, fmt.Errorf("sample.every %d: must be >= 1", o.SampleEvery))
	}
	if o.SampleQueueSize < 1 {
		errs = append(errs, fmt.Errorf("sample.queue_size %d: must be >= 1", o.SampleQueueSize))
	}
	if o.SampleEnabled && o.SamplePath == "" {
		errs = append(errs, errors.New("sample.path must be set when sampling is enabled"))
	}
	if o.SampleMaxWidth < 0 {
		errs = append(errs, fmt.Errorf("sample.max_width %d: must be >= 0", o.SampleMaxWidth))
	}
	if o.CodecBackend == "" {
		errs = append(errs, errors.New("codec.backend must be set"))
	}
	for key, level := range o.moduleLevels() {
		if _, ok := logging.ParseLevel(level); !ok {
			errs = append(errs, fmt.Errorf("logging.%s %q: want debug, info, warn or error", key, level))
		}
	}
	if _, ok := logging.ParseLevel(o.LoggingLevel); !ok {
		errs = append(errs, fmt.Errorf("logging.level %q: want debug, info, warn or error", o.LoggingLevel))
	}
	if o.LoggingFormat != "text" && o.LoggingFormat != "json" {
		errs = append(errs, fmt.Errorf("logging.format %q: want text or json", o.LoggingFormat))
	}
	return errors.Join(errs...)
}

// Logging returns the logging configuration. Module levels left empty
// follow the global level.
func (o *Options) Logging() logging.Config {
	return logging.Config{
		Level:   o.LoggingLevel,
		Format:  o.LoggingFormat,
		Modules: o.moduleLevels(),
	}
}

func (o *Options) moduleLevels() map[string]string {
	modules := make(map[string]string)
	for name, level := range map[string]string{
		"ingest":   o.LoggingIngest,
		"pipeline": o.LoggingPipeline,
		"mux":      o.LoggingMux,
		"sample":   o.LoggingSample,
		"rtmp":     o.LoggingRTMP,
	} {
		if level != "" {
			modules[name] = level
		}
	}
	return modules
}

// fieldNameToFlag converts a struct field name to a CLI flag name.
// Example: "LoggingLevel" -> "logging-level", "LoggingRTMP" -> "logging-rtmp".
func fieldNameToFlag(fieldName string) string {
	runes := []rune(fieldName)
	var result []rune
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
			result = append(result, '-')
		}
		result = append(result, unicode.ToLower(r))
	}
	return string(result)
}

// getNestedValue retrieves a value from nested map using dot notation.
func getNestedValue(data map[string]any, path string) any {
	parts := strings.Split(path, ".")
	current := data
	for i, part := range parts {
		if i == len(parts)-1 {
			return current[part]
		}
		next, ok := current[part].(map[string]any)
		if !ok {
			return nil
		}
		current = next
	}
	return nil
}

// setFieldValue sets a field from a decoded TOML value.
func setFieldValue(field reflect.Value, value any) error {
	switch field.Kind() {
	case reflect.String:
		if s, ok := value.(string); ok {
			field.SetString(s)
			return nil
		}
	case reflect.Bool:
		if b, ok := value.(bool); ok {
			field.SetBool(b)
			return nil
		}
	case reflect.Int:
		if i, ok := value.(int64); ok {
			field.SetInt(i)
			return nil
		}
	}
	return fmt.Errorf("want %s, got %T", field.Kind(), value)
}

// setFieldValueFromString sets a field from an environment or default
// string and reports whether the value parsed.
func setFieldValueFromString(field reflect.Value, value string) bool {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return false
		}
		field.SetBool(b)
	case reflect.Int:
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return false
		}
		field.SetInt(i)
	}
	return true
}
