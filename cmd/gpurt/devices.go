package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gomlx/gpurt/gpurt"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	flagDevicesJSON bool
	flagDevicesType string
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the compute devices found by the backends",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}
		pool := config.NewPool()
		defer func() { _ = pool.Close() }()
		return listDevices(cmd.OutOrStdout(), pool.DescribeAll(), flagDevicesType, flagDevicesJSON)
	},
}

func init() {
	devicesCmd.Flags().BoolVar(&flagDevicesJSON, "json", false, "Output JSON instead of text.")
	devicesCmd.Flags().StringVar(&flagDevicesType, "type", "",
		fmt.Sprintf("Only list devices of this type, one of %q.", gpurt.DeviceTypeStrings()))
	rootCmd.AddCommand(devicesCmd)
}

// deviceJSON is the JSON form of a device in the `devices --json` output.
type deviceJSON struct {
	Index    int    `json:"index"`
	Name     string `json:"name"`
	VendorID uint32 `json:"vendor_id"`
	DeviceID uint32 `json:"device_id"`
	Type     string `json:"type"`
	Backend  string `json:"backend"`
}

// listDevices writes the devices, optionally filtered by type name, to w.
func listDevices(w io.Writer, infos []gpurt.DeviceInfo, typeName string, asJSON bool) error {
	if typeName != "" {
		deviceType, err := gpurt.DeviceTypeString(typeName)
		if err != nil {
			return errors.Wrapf(gpurt.ErrInvalidArgument, "--type=%q: %v", typeName, err)
		}
		filtered := infos[:0:0]
		for _, info := range infos {
			if info.Descriptor.Type == deviceType {
				filtered = append(filtered, info)
			}
		}
		infos = filtered
	}

	if asJSON {
		devices := make([]deviceJSON, len(infos))
		for ii, info := range infos {
			desc := info.Descriptor
			devices[ii] = deviceJSON{
				Index:    info.Index,
				Name:     desc.Name,
				VendorID: desc.VendorID,
				DeviceID: desc.DeviceID,
				Type:     desc.Type.String(),
				Backend:  desc.Backend,
			}
		}
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return errors.Wrap(encoder.Encode(devices), "failed to encode devices")
	}

	if len(infos) == 0 {
		_, err := fmt.Fprintln(w, "No devices found.")
		return err
	}
	var sb strings.Builder
	for _, info := range infos {
		fmt.Fprintf(&sb, "#%d: %s\n", info.Index, info.Descriptor)
	}
	_, err := io.WriteString(w, sb.String())
	return err
}
