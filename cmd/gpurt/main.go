// gpurt lists the compute devices, compiles kernels and runs the builtin kernels.
//
// Usage:
//
//	gpurt devices [--json] [--type=DiscreteGPU]
//	gpurt compile --wgsl=kernel.wgsl --params="f32,mut f32" [--entry=main] [--output=kernel.spv]
//	gpurt run-builtin saxpy [--n=1024] [--device=0]
//
// The configuration is read from --config (YAML), and the GPURT_* environment variables.
package main

import (
	"flag"
	"os"

	"github.com/gomlx/gpurt/gpurt"
	_ "github.com/gomlx/gpurt/gpurt/host"
	_ "github.com/gomlx/gpurt/gpurt/wgpu"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var (
	flagConfig   string
	flagBackends []string
)

var rootCmd = &cobra.Command{
	Use:           "gpurt",
	Short:         "Inspect compute devices, compile and run kernels",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	klog.InitFlags(nil)
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "YAML configuration file. If empty, the defaults and the GPURT_* environment variables are used.")
	rootCmd.PersistentFlags().StringSliceVar(&flagBackends, "backends", nil, "Backends to probe, in order (e.g. wgpu,host). Overrides the configuration.")
}

// loadConfig returns the configuration selected by the flags.
func loadConfig() (gpurt.Config, error) {
	var config gpurt.Config
	if flagConfig == "" {
		config = gpurt.ConfigFromEnv()
	} else {
		var err error
		config, err = gpurt.LoadConfig(flagConfig)
		if err != nil {
			return config, err
		}
	}
	if len(flagBackends) > 0 {
		config.Backends = flagBackends
	}
	return config, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}
