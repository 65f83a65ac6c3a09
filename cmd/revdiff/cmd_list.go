package main

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/revdiff/revdiff/internal/errors"
	"github.com/revdiff/revdiff/internal/fpath"
	"github.com/revdiff/revdiff/internal/repo"
)

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list [path]",
		Short: "List sessions or the increments of a path",
		Long: `
The "list" command without arguments lists all sessions of the repository.
With a path argument it lists the reverse increments stored for that path,
newest first.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was a fatal error.
Exit status is 10 if the repository does not exist.
`,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(globalOptions, args)
		},
	}
	return cmd
}

type sessionJSON struct {
	Time      time.Time `json:"time"`
	Committed bool      `json:"committed"`
	Current   bool      `json:"current"`
}

type incrementJSON struct {
	Time  time.Time `json:"time"`
	Kind  string    `json:"kind"`
	Codec string    `json:"codec,omitempty"`
}

func runList(gopts GlobalOptions, args []string) error {
	if len(args) > 1 {
		return errors.Fatal("the list command expects at most one path argument")
	}

	r, err := OpenRepository(gopts)
	if err != nil {
		return err
	}

	tl, err := r.ScanTimeline()
	if err != nil {
		return err
	}

	if len(args) == 1 {
		path, err := fpath.Parse(args[0])
		if err != nil {
			return err
		}
		return listIncrements(gopts, tl, path)
	}
	return listSessions(gopts, tl)
}

func listSessions(gopts GlobalOptions, tl *repo.Timeline) error {
	latest, _ := tl.Latest()
	orphan, needed := tl.NeedsRegress()

	unfinished := func(s repo.SessionInfo) bool {
		return needed && s.Time.Equal(orphan.Time)
	}

	if gopts.JSON {
		out := make([]sessionJSON, 0, len(tl.Sessions))
		for _, s := range tl.Sessions {
			out = append(out, sessionJSON{
				Time:      s.Time,
				Committed: s.Committed() && !unfinished(s),
				Current:   s.Time.Equal(latest.Time),
			})
		}
		return json.NewEncoder(gopts.stdout).Encode(out)
	}

	for _, s := range tl.Sessions {
		note := ""
		switch {
		case unfinished(s) || !s.Committed():
			note = " (unfinished, run regress)"
		case s.Time.Equal(latest.Time):
			note = " (current mirror)"
		}
		Printf("%v%v\n", s.Time.Local().Format(TimeFormat), note)
	}
	return nil
}

func listIncrements(gopts GlobalOptions, tl *repo.Timeline, path fpath.Path) error {
	incs, err := tl.PathIncrements(path)
	if err != nil {
		return err
	}

	if gopts.JSON {
		out := make([]incrementJSON, 0, len(incs))
		for _, inc := range incs {
			out = append(out, incrementJSON{
				Time:  inc.Time,
				Kind:  string(inc.Kind),
				Codec: string(inc.Codec),
			})
		}
		return json.NewEncoder(gopts.stdout).Encode(out)
	}

	for _, inc := range incs {
		Printf("%v %v\n", inc.Time.Local().Format(TimeFormat), inc.Kind)
	}
	return nil
}
