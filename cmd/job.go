package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/example/seatwatch/internal/jobs"
	"github.com/example/seatwatch/internal/notify"
	"github.com/example/seatwatch/internal/scheduler"
)

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage watch jobs (non-API)",
	}
	cmd.AddCommand(newJobCreateCmd())
	cmd.AddCommand(newJobListCmd())
	cmd.AddCommand(newJobDeleteCmd())
	cmd.AddCommand(newJobWatchCmd())
	return cmd
}

// jobFlags are the configuration flags shared by create and watch.
type jobFlags struct {
	term      string
	courses   []string
	interval  int
	threshold int
	token     string
	tokenFile string
}

func (f *jobFlags) register(c *cobra.Command) {
	c.Flags().StringVar(&f.term, "term", "", "term code, e.g. SP26")
	c.Flags().StringArrayVar(&f.courses, "course", nil,
		`course to watch, repeatable: "DEPT CODE:LECTURE[/DISC,DISC][;LECTURE...]"`)
	c.Flags().IntVar(&f.interval, "interval-seconds", 30, "polling interval seconds")
	c.Flags().IntVar(&f.threshold, "threshold", 0, "only fire when open seats are at or below this (0 = any opening)")
	c.Flags().StringVar(&f.token, "token", os.Getenv("WEBREG_TOKEN"), "session cookie header (default $WEBREG_TOKEN)")
	c.Flags().StringVar(&f.tokenFile, "token-file", "", "read the session cookie from a file")
	_ = c.MarkFlagRequired("term")
	_ = c.MarkFlagRequired("course")
}

func (f *jobFlags) config() (scheduler.JobConfig, error) {
	cfg := scheduler.JobConfig{Term: f.term, IntervalSec: f.interval, Threshold: f.threshold, Token: f.token}
	if f.tokenFile != "" {
		b, err := os.ReadFile(f.tokenFile)
		if err != nil {
			return cfg, fmt.Errorf("read --token-file: %w", err)
		}
		cfg.Token = strings.TrimSpace(string(b))
	}
	for _, s := range f.courses {
		c, err := parseCourse(s)
		if err != nil {
			return cfg, err
		}
		cfg.Courses = append(cfg.Courses, c)
	}
	return cfg, nil
}

// parseCourse reads "CSE 100:A00/A01,A02;B00" into a course with one group
// per semicolon-separated lecture.
func parseCourse(s string) (jobs.Course, error) {
	head, sections, ok := strings.Cut(s, ":")
	fields := strings.Fields(head)
	if !ok || len(fields) != 2 {
		return jobs.Course{}, fmt.Errorf("invalid --course %q (want \"DEPT CODE:LECTURE[/DISC,...]\")", s)
	}
	c := jobs.Course{Department: fields[0], Code: fields[1]}
	for _, group := range strings.Split(sections, ";") {
		lecture, discussions, _ := strings.Cut(group, "/")
		g := jobs.SectionGroup{Lecture: strings.TrimSpace(lecture)}
		if g.Lecture == "" {
			return jobs.Course{}, fmt.Errorf("invalid --course %q: empty lecture section", s)
		}
		g.Discussions = splitCSV(discussions)
		c.Groups = append(c.Groups, g)
	}
	return c, nil
}

func newJobCreateCmd() *cobra.Command {
	var (
		username string
		flags    jobFlags
	)

	c := &cobra.Command{
		Use:   "create",
		Short: "Create a stopped job for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			jc, err := flags.config()
			if err != nil {
				return err
			}
			ctx := context.Background()
			a, err := openApp(ctx, appOptions{migrate: true})
			if err != nil {
				return err
			}
			defer a.Close()

			uid, err := a.findUser(ctx, username)
			if err != nil {
				return err
			}
			id, err := a.manager.Create(ctx, uid, jc)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created job id=%s sections=%d\n", id, len(jobs.Job{Courses: jc.Courses}.Targets()))
			return nil
		},
	}

	c.Flags().StringVar(&username, "user", "", "owning username")
	_ = c.MarkFlagRequired("user")
	flags.register(c)
	return c
}

func newJobListCmd() *cobra.Command {
	var username string
	c := &cobra.Command{
		Use:   "list",
		Short: "List jobs for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			uid, err := a.findUser(ctx, username)
			if err != nil {
				return err
			}
			views, err := a.manager.List(ctx, uid)
			if err != nil {
				return err
			}
			for _, v := range views {
				fmt.Fprintf(cmd.OutOrStdout(), "id=%s term=%s state=%s interval=%ds sections=%s checks=%d enrolled=%d\n",
					v.Job.ID, v.Job.Term, v.State, v.Job.IntervalSec, sectionList(v.Job),
					v.Stats.TotalChecks, v.Stats.SuccessfulEnrollments)
			}
			return nil
		},
	}
	c.Flags().StringVar(&username, "user", "", "owning username")
	_ = c.MarkFlagRequired("user")
	return c
}

func newJobDeleteCmd() *cobra.Command {
	var username, id string
	c := &cobra.Command{
		Use:   "delete",
		Short: "Delete a stopped job and its counters (stop running jobs through the API)",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := uuid.Parse(id)
			if err != nil {
				return fmt.Errorf("invalid --id: %w", err)
			}
			ctx := context.Background()
			a, err := openApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			uid, err := a.findUser(ctx, username)
			if err != nil {
				return err
			}
			if err := deleteStopped(ctx, a.store, a.manager, uid, jobID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted job id=%s\n", jobID)
			return nil
		},
	}
	c.Flags().StringVar(&username, "user", "", "owning username")
	c.Flags().StringVar(&id, "id", "", "job id")
	_ = c.MarkFlagRequired("user")
	_ = c.MarkFlagRequired("id")
	return c
}

// deleteStopped deletes a job only when it is stored as stopped. A job stored
// as running belongs to a server process whose worker this process cannot
// reach.
func deleteStopped(ctx context.Context, store scheduler.Store, m *scheduler.Manager, userID, id uuid.UUID) error {
	if _, err := m.Get(ctx, userID, id); err != nil {
		return err
	}
	j, err := store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if j.State != jobs.StateStopped {
		return fmt.Errorf("job %s is stored as %s; stop it through the server API before deleting", id, j.State)
	}
	return m.Delete(ctx, userID, id)
}

// newJobWatchCmd runs one job in the foreground against an in-memory store
// until interrupted.
func newJobWatchCmd() *cobra.Command {
	var (
		flags       jobFlags
		notifyIn    notify.Input
		reportEvery time.Duration
	)

	c := &cobra.Command{
		Use:   "watch",
		Short: "Watch and enroll in the foreground until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if reportEvery <= 0 {
				return fmt.Errorf("--report-every must be positive")
			}
			jc, err := flags.config()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := openApp(ctx, appOptions{memory: true})
			if err != nil {
				return err
			}
			defer a.Close()

			uid := uuid.New()
			if len(notifyIn.Recipients) > 0 || notifyIn.WebhookURL != "" {
				if _, err := a.manager.UpdateNotificationSettings(ctx, uid, notifyIn); err != nil {
					return err
				}
			}
			id, err := a.manager.Create(ctx, uid, jc)
			if err != nil {
				return err
			}
			if err := a.manager.Start(ctx, uid, id); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			ticker := time.NewTicker(reportEvery)
			defer ticker.Stop()
		loop:
			for {
				select {
				case <-ctx.Done():
					break loop
				case <-ticker.C:
					if v, err := a.manager.Get(context.Background(), uid, id); err == nil {
						report(out, v)
					}
				}
			}

			stopCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			if err := a.manager.Stop(stopCtx, uid, id); err != nil {
				return err
			}
			v, err := a.manager.Get(stopCtx, uid, id)
			if err != nil {
				return err
			}
			report(out, v)
			return nil
		},
	}

	flags.register(c)
	c.Flags().StringArrayVar(&notifyIn.Recipients, "notify-email", nil, "email recipient, repeatable")
	c.Flags().StringVar(&notifyIn.SMTPUsername, "smtp-username", os.Getenv("SMTP_USERNAME"), "SMTP login (default $SMTP_USERNAME)")
	c.Flags().StringVar(&notifyIn.Password, "smtp-password", os.Getenv("SMTP_PASSWORD"), "SMTP password (default $SMTP_PASSWORD)")
	c.Flags().StringVar(&notifyIn.WebhookURL, "webhook", "", "chat webhook URL")
	c.Flags().DurationVar(&reportEvery, "report-every", time.Minute, "print counters at this interval")
	return c
}

func report(w io.Writer, v scheduler.View) {
	s := v.Stats
	fmt.Fprintf(w, "state=%s connected=%t uptime=%ds checks=%d openings=%d attempts=%d enrolled=%d errors=%d success=%.1f%%\n",
		v.State, v.Health.Connected, v.Health.UptimeSeconds, s.TotalChecks, s.OpeningsFound,
		s.EnrollmentAttempts, s.SuccessfulEnrollments, s.Errors, v.Health.SuccessRate)
}

func sectionList(j jobs.Job) string {
	var out []string
	for _, t := range j.Targets() {
		out = append(out, t.Key())
	}
	return strings.Join(out, ",")
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
