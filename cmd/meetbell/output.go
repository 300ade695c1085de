package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"meetbell/internal/alerting"
	"meetbell/internal/ringtone"
)

// writeResult prints v as JSON or YAML, or hands it to table for the
// default format.
func writeResult(w io.Writer, v any, table func(io.Writer) error) error {
	switch strings.ToLower(outputFmt) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// round-trip through JSON so yaml keys follow the json tags
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return err
		}
		out, err := yaml.Marshal(generic)
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	case "table", "":
		return table(w)
	default:
		return fmt.Errorf("unknown output format %q", outputFmt)
	}
}

func statusTable(st alerting.Status) func(io.Writer) error {
	return func(w io.Writer) error {
		fmt.Fprintf(w, "Authenticated: %t\n", st.Authenticated)
		if st.LastPoll.IsZero() {
			fmt.Fprintln(w, "Last poll:     never")
		} else {
			fmt.Fprintf(w, "Last poll:     %s\n", st.LastPoll.Local().Format(time.DateTime))
		}
		if st.LastPollError != "" {
			fmt.Fprintf(w, "Poll error:    %s\n", st.LastPollError)
		}
		fmt.Fprintf(w, "Tracked:       %d\n", st.Records)
		if len(st.ActiveNotifications) > 0 {
			fmt.Fprintf(w, "Active alerts: %s\n", strings.Join(st.ActiveNotifications, ", "))
		}
		if len(st.UpcomingMeetings) == 0 {
			fmt.Fprintln(w, "\nNo upcoming meetings.")
			return nil
		}
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "START\tTITLE\tID\tDELIVERED\tSNOOZED UNTIL")
		for _, m := range st.UpcomingMeetings {
			delivered := make([]string, 0, len(m.Delivered))
			for _, k := range m.Delivered {
				delivered = append(delivered, string(k))
			}
			snoozed := "-"
			if !m.SnoozedUntil.IsZero() {
				snoozed = m.SnoozedUntil.Local().Format(time.TimeOnly)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				m.Start.Local().Format("Mon 15:04"), m.Title, m.ID, orDash(strings.Join(delivered, ",")), snoozed)
		}
		return tw.Flush()
	}
}

func settingsTable(es alerting.EarlySettings) func(io.Writer) error {
	return func(w io.Writer) error {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintf(tw, "early alerts\t%s\n", onOff(es.Enabled))
		fmt.Fprintf(tw, "15 minutes\t%s\tsound %s\n", onOff(es.Fifteen.Enabled), onOff(es.Fifteen.Sound))
		fmt.Fprintf(tw, "10 minutes\t%s\tsound %s\n", onOff(es.Ten.Enabled), onOff(es.Ten.Sound))
		fmt.Fprintf(tw, "5 minutes\t%s\tsound %s\n", onOff(es.Five.Enabled), onOff(es.Five.Sound))
		fmt.Fprintf(tw, "start\ton\tsound %s\n", onOff(es.MainSound))
		return tw.Flush()
	}
}

type ringtoneListing struct {
	Selected  string              `json:"selected"`
	Ringtones []ringtone.Ringtone `json:"ringtones"`
}

func ringtoneTable(l ringtoneListing) func(io.Writer) error {
	return func(w io.Writer) error {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "\tID\tNAME\tPATH")
		for _, r := range l.Ringtones {
			mark := ""
			if r.Path == l.Selected {
				mark = "*"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", mark, r.ID, r.Name, r.Path)
		}
		return tw.Flush()
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
