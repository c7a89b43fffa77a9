package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	FFBin          string        `mapstructure:"FF_BIN"`
	FFProbeBin     string        `mapstructure:"FFPROBE_BIN"`
	FFTimeout      time.Duration `mapstructure:"FF_TIMEOUT"`
	FFExtraArgs    string        `mapstructure:"FF_EXTRA_ARGS"`
	TempDir        string        `mapstructure:"TEMP_DIR"`
	OutputDir      string        `mapstructure:"OUTPUT_DIR"`
	TasksDir       string        `mapstructure:"TASKS_DIR"`
	MaxOutputFiles int           `mapstructure:"MAX_OUTPUT_FILES"`
	MaxConcurrency int           `mapstructure:"MAX_CONCURRENCY"`
	MaxInputSize   int64         `mapstructure:"MAX_INPUT_SIZE"`
	ThrottleCPU    float64       `mapstructure:"THROTTLE_CPU"`
	ThrottleMem    int64         `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleDisk   int64         `mapstructure:"THROTTLE_FREEDISK"`
}

// stringToDurationHookFunc parses Go duration strings from config values.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc parses human-readable size strings ("200MB") into
// int64 byte counts.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(data.(string))); err != nil {
			// Not a size string, let other parsers handle it.
			return data, nil
		}
		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	vp.SetDefault("PORT", "8000")
	vp.SetDefault("FF_BIN", "ffmpeg")
	vp.SetDefault("FFPROBE_BIN", "ffprobe")
	vp.SetDefault("FF_TIMEOUT", "15m")
	vp.SetDefault("FF_EXTRA_ARGS", "")
	vp.SetDefault("TEMP_DIR", "temp")
	vp.SetDefault("OUTPUT_DIR", "output")
	vp.SetDefault("TASKS_DIR", "tasks")
	vp.SetDefault("MAX_OUTPUT_FILES", 10)
	vp.SetDefault("MAX_CONCURRENCY", 2)
	vp.SetDefault("MAX_INPUT_SIZE", "500MB")
	vp.SetDefault("THROTTLE_CPU", 10.0)
	vp.SetDefault("THROTTLE_FREEMEM", "100MB")
	vp.SetDefault("THROTTLE_FREEDISK", "500MB")

	vp.SetConfigName("avmerge_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/avmerge/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	vp.SetEnvPrefix("AVMERGE")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
