package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"meetbell/internal/alerting"
	"meetbell/internal/meeting"
	"meetbell/internal/ringtone"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show upcoming meetings and alert state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st alerting.Status
			if _, err := newClient().call(cmd.Context(), http.MethodGet, "/status", nil, &st); err != nil {
				return err
			}
			return writeResult(cmd.OutOrStdout(), st, statusTable(st))
		},
	}
}

func snoozeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snooze <meeting-id> <minutes>",
		Short: "Silence a meeting's alerts for a while",
		Long: `Silence every alert of a meeting for the given number of minutes.

An alert whose time falls inside the snooze is skipped, not postponed.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			minutes, err := strconv.Atoi(args[1])
			if err != nil || minutes <= 0 {
				return fmt.Errorf("minutes must be a positive integer, got %q", args[1])
			}
			var reply struct {
				Until time.Time `json:"until"`
			}
			if _, err := newClient().call(cmd.Context(), http.MethodPost, meetingPath(args[0], "snooze"),
				map[string]int{"minutes": minutes}, &reply); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Snoozed %s until %s\n", args[0], reply.Until.Local().Format(time.TimeOnly))
			return nil
		},
	}
}

func closeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <meeting-id>",
		Short: "Dismiss a meeting's active alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var reply struct {
				Closed bool `json:"closed"`
			}
			if _, err := newClient().call(cmd.Context(), http.MethodPost, meetingPath(args[0], "close"), nil, &reply); err != nil {
				return err
			}
			if reply.Closed {
				fmt.Fprintln(cmd.OutOrStdout(), "Closed.")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "No active alert for that meeting.")
			}
			return nil
		},
	}
}

func joinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join <meeting-id>",
		Short: "Print a meeting's link and close its alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var reply struct {
				Link string `json:"link"`
			}
			if _, err := newClient().call(cmd.Context(), http.MethodPost, meetingPath(args[0], "join"), nil, &reply); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply.Link)
			return nil
		},
	}
}

func testCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test [kind]",
		Short: "Show a test alert on every display",
		Long: `Show a synthetic alert on every configured display.

kind is one of main (default), early15, early10, early5.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := string(meeting.KindMain)
			if len(args) == 1 {
				k, err := meeting.ParseKind(args[0])
				if err != nil {
					return err
				}
				kind = string(k)
			}
			r, err := newClient().call(cmd.Context(), http.MethodPost, "/test-notification", map[string]string{"kind": kind}, nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), r.Message)
			return nil
		},
	}
}

func authCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the calendar access token",
	}

	var expiresIn time.Duration
	set := &cobra.Command{
		Use:   "set <token>",
		Short: "Store a calendar access token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"token": args[0], "expires_in": int(expiresIn / time.Second)}
			r, err := newClient().call(cmd.Context(), http.MethodPost, "/auth", body, nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), r.Message)
			return nil
		},
	}
	set.Flags().DurationVar(&expiresIn, "expires-in", time.Hour, "token lifetime")

	clr := &cobra.Command{
		Use:   "clear",
		Short: "Forget the stored token and sync state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := newClient().call(cmd.Context(), http.MethodDelete, "/auth", nil, nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), r.Message)
			return nil
		},
	}

	cmd.AddCommand(set, clr)
	return cmd
}

func settingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change early-alert settings",
	}

	get := &cobra.Command{
		Use:   "get",
		Short: "Show early-alert settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var es alerting.EarlySettings
			if _, err := newClient().call(cmd.Context(), http.MethodGet, "/settings/early", nil, &es); err != nil {
				return err
			}
			return writeResult(cmd.OutOrStdout(), es, settingsTable(es))
		},
	}

	set := &cobra.Command{
		Use:   "set",
		Short: "Change early-alert settings",
		Long: `Change early-alert settings. Only the flags given are sent; the rest keep
their current value.

Examples:
  meetbell settings set --enabled=false
  meetbell settings set --ten=false --five-sound=true`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			patch, err := settingsPatch(cmd)
			if err != nil {
				return err
			}
			var es alerting.EarlySettings
			if _, err := newClient().call(cmd.Context(), http.MethodPut, "/settings/early", patch, &es); err != nil {
				return err
			}
			return writeResult(cmd.OutOrStdout(), es, settingsTable(es))
		},
	}
	f := set.Flags()
	f.Bool("enabled", true, "enable early alerts")
	f.Bool("main-sound", true, "play the ringtone at meeting start")
	for _, k := range []string{"fifteen", "ten", "five"} {
		f.Bool(k, true, "enable the "+k+"-minute alert")
		f.Bool(k+"-sound", false, "play the ringtone with the "+k+"-minute alert")
	}

	cmd.AddCommand(get, set)
	return cmd
}

// settingsPatch builds a partial settings document from the flags the user
// actually set.
func settingsPatch(cmd *cobra.Command) (map[string]any, error) {
	f := cmd.Flags()
	patch := map[string]any{}
	if f.Changed("enabled") {
		v, _ := f.GetBool("enabled")
		patch["enabled"] = v
	}
	if f.Changed("main-sound") {
		v, _ := f.GetBool("main-sound")
		patch["main_sound"] = v
	}
	for _, k := range []string{"fifteen", "ten", "five"} {
		kind := map[string]any{}
		if f.Changed(k) {
			v, _ := f.GetBool(k)
			kind["enabled"] = v
		}
		if f.Changed(k + "-sound") {
			v, _ := f.GetBool(k + "-sound")
			kind["sound"] = v
		}
		if len(kind) > 0 {
			patch[k] = kind
		}
	}
	if len(patch) == 0 {
		return nil, fmt.Errorf("nothing to change; see --help for flags")
	}
	return patch, nil
}

func ringtoneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "ringtone",
		Aliases: []string{"ringtones"},
		Short:   "List, upload or select alert ringtones",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List ringtones; the selected one is marked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var l ringtoneListing
			if _, err := newClient().call(cmd.Context(), http.MethodGet, "/ringtones", nil, &l); err != nil {
				return err
			}
			return writeResult(cmd.OutOrStdout(), l, ringtoneTable(l))
		},
	}

	add := &cobra.Command{
		Use:   "add <file>",
		Short: "Upload an mp3 or ogg ringtone (2MB max)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rt ringtone.Ringtone
			if _, err := newClient().upload(cmd.Context(), args[0], &rt); err != nil {
				return err
			}
			return printRingtone(cmd.OutOrStdout(), "Added", rt)
		},
	}

	sel := &cobra.Command{
		Use:   "select <id>",
		Short: "Use a ringtone for sounding alerts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rt ringtone.Ringtone
			if _, err := newClient().call(cmd.Context(), http.MethodPut, "/ringtones/selected", map[string]string{"id": args[0]}, &rt); err != nil {
				return err
			}
			return printRingtone(cmd.OutOrStdout(), "Selected", rt)
		},
	}

	cmd.AddCommand(list, add, sel)
	return cmd
}

func printRingtone(w io.Writer, verb string, rt ringtone.Ringtone) error {
	_, err := fmt.Fprintf(w, "%s %s (%s)\n", verb, rt.Name, rt.ID)
	return err
}

func meetingPath(id, action string) string {
	return "/meetings/" + url.PathEscape(id) + "/" + action
}
