// Package rtcmd implements the rtifconfig CLI surface (spec §6): one
// subcommand per ioctl family the original tool issued directly against
// the kernel module, here issued instead as HTTP requests against the
// admin API (internal/adminapi) a running rtnetd exposes locally —
// the same "CLI as HTTP client to the admin endpoint" shape `caddy
// stop`/`caddy reload` use against Caddy's admin listener.
package rtcmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// client performs the admin HTTP calls every subcommand needs.
type client struct {
	base string
	http *http.Client
}

func newClient(base string) *client {
	return &client{base: base, http: &http.Client{Timeout: 5 * time.Second}}
}

func (c *client) do(method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rtcmd: contacting admin api: %w", err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("rtcmd: %s %s: %s: %s", method, path, resp.Status, string(out))
	}
	return out, nil
}

// RootCommand builds the "rtifconfig" command tree.
func RootCommand() *cobra.Command {
	var adminAddr string

	root := &cobra.Command{
		Use:   "rtifconfig",
		Short: "Configure rtnet devices, routes, and the TDMA media-access schedule",
		Long: `rtifconfig talks to a running rtnetd's local admin API to bring devices
up or down, manage static host routes, and configure the TDMA cycle and
slot table of a device running the TDMA media-access discipline.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&adminAddr, "admin", "http://localhost:7021", "rtnetd admin API base URL")

	newClientFromRoot := func() *client { return newClient(adminAddr) }

	root.AddCommand(
		upCommand(newClientFromRoot),
		downCommand(newClientFromRoot),
		routeCommand(newClientFromRoot),
		macCommand(newClientFromRoot),
	)
	return root
}

func upCommand(newClient func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "up <device>",
		Short: "Bring a device up",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := newClient().do(http.MethodPost, "/core/devices/"+args[0]+"/up", nil)
			return err
		},
	}
}

func downCommand(newClient func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "down <device>",
		Short: "Bring a device down",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := newClient().do(http.MethodPost, "/core/devices/"+args[0]+"/down", nil)
			return err
		},
	}
}

func routeCommand(newClient func() *client) *cobra.Command {
	route := &cobra.Command{
		Use:   "route",
		Short: "Manage static host routes",
	}

	var device, mac string
	add := &cobra.Command{
		Use:   "add <ip>",
		Short: "Add a static host route",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := newClient().do(http.MethodPost, "/core/routes", map[string]string{
				"ip": args[0], "mac": mac, "device": device,
			})
			return err
		},
	}
	add.Flags().StringVar(&device, "dev", "", "egress device")
	add.Flags().StringVar(&mac, "mac", "", "destination MAC address")
	_ = add.MarkFlagRequired("dev")
	_ = add.MarkFlagRequired("mac")

	del := &cobra.Command{
		Use:   "del <ip>",
		Short: "Delete a static host route",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := newClient().do(http.MethodDelete, "/core/routes/"+args[0], nil)
			return err
		},
	}

	route.AddCommand(add, del)
	return route
}

func macCommand(newClient func() *client) *cobra.Command {
	mac := &cobra.Command{
		Use:   "mac",
		Short: "Configure the TDMA media-access discipline on a device",
	}

	mac.AddCommand(
		macMasterCommand(newClient),
		macClientCommand(newClient),
		macAddCommand(newClient),
		macRemoveCommand(newClient),
		macStatusCommand(newClient),
	)
	return mac
}

func macMasterCommand(newClient func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "master <device>",
		Short: "Become the TDMA cycle master on a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := newClient().do(http.MethodPost, "/rtmac/tdma/"+args[0]+"/master", nil)
			return err
		},
	}
}

func macClientCommand(newClient func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "client <device>",
		Short: "Become a TDMA slave on a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := newClient().do(http.MethodPost, "/rtmac/tdma/"+args[0]+"/client", nil)
			return err
		},
	}
}

func macAddCommand(newClient func() *client) *cobra.Command {
	var offset time.Duration
	var id int32
	var mtu int
	cmd := &cobra.Command{
		Use:   "add <device>",
		Short: "Add a transmit slot to a device's TDMA cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := newClient().do(http.MethodPost, "/rtmac/tdma/"+args[0]+"/slots", map[string]any{
				"id": id, "offset_ns": offset.Nanoseconds(), "mtu": mtu,
			})
			return err
		},
	}
	cmd.Flags().Int32Var(&id, "id", 0, "slot id")
	cmd.Flags().DurationVar(&offset, "offset", 0, "slot offset within the cycle")
	cmd.Flags().IntVar(&mtu, "mtu", 0, "slot mtu (0 = device default)")
	return cmd
}

func macRemoveCommand(newClient func() *client) *cobra.Command {
	var id int32
	cmd := &cobra.Command{
		Use:   "remove <device>",
		Short: "Remove a transmit slot from a device's TDMA cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := newClient().do(http.MethodDelete, fmt.Sprintf("/rtmac/tdma/%s/slots/%d", args[0], id), nil)
			return err
		},
	}
	cmd.Flags().Int32Var(&id, "id", 0, "slot id")
	return cmd
}

func macStatusCommand(newClient func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "status <device>",
		Short: "Show calibration/sync status for a device's TDMA discipline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := newClient().do(http.MethodGet, "/rtmac/tdma/"+args[0]+"/status", nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}
