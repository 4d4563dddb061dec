package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/osvaldoandrade/historia/pkg/domain"
	"github.com/osvaldoandrade/historia/pkg/lifecycle"
)

func researchCmd(sess *session, ui *ui) *cobra.Command {
	research := &cobra.Command{
		Use:   "research",
		Short: "Research operations",
	}

	var (
		name         string
		lat          float64
		lng          float64
		instructions string
		detach       bool
		pollEvery    time.Duration
	)

	start := &cobra.Command{
		Use:     "start",
		Short:   "Start a research run and follow it",
		Example: "historia research start --location \"Pompeii\" --lat 40.7486 --lng 14.4848",
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := domain.Location{Name: name, Lat: lat, Lng: lng}.Normalize()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			r := newRenderer(os.Stdout, ui)
			var opts []lifecycle.Option
			if detach {
				opts = append(opts, lifecycle.WithOnTaskCreated(func(string) { cancel() }))
			}
			ctrl := newController(sess, pollEvery, opts...)
			unsubscribe := ctrl.Subscribe(r.update)
			defer unsubscribe()

			r.wait(fmt.Sprintf(" Starting research on %s...", loc.Name))
			if err := ctrl.Start(ctx, loc, instructions); err != nil {
				r.stop()
				return err
			}
			return finish(ctx, ctrl, r, detach)
		},
	}
	start.Flags().StringVar(&name, "location", "", "Location name")
	start.Flags().Float64Var(&lat, "lat", 0, "Latitude")
	start.Flags().Float64Var(&lng, "lng", 0, "Longitude")
	start.Flags().StringVar(&instructions, "instructions", "", "Extra research instructions")
	start.Flags().BoolVar(&detach, "detach", false, "Print the task id and exit once the task is created")
	start.Flags().DurationVar(&pollEvery, "poll-interval", 0, "Status poll interval after the stream hands off")

	var shareToken string
	follow := &cobra.Command{
		Use:     "follow [taskId]",
		Short:   "Follow an existing research task",
		Example: "historia research follow <taskId>\nhistoria research follow --share <token>",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := lifecycle.Ref{ShareToken: shareToken}
			if len(args) == 1 {
				ref.TaskID = args[0]
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			r := newRenderer(os.Stdout, ui)
			ctrl := newController(sess, pollEvery)
			unsubscribe := ctrl.Subscribe(r.update)
			defer unsubscribe()

			r.wait(" Loading task...")
			if err := ctrl.Resume(ctx, ref); err != nil {
				r.stop()
				return err
			}
			return finish(ctx, ctrl, r, false)
		},
	}
	follow.Flags().StringVar(&shareToken, "share", "", "Share token instead of a task id")
	follow.Flags().DurationVar(&pollEvery, "poll-interval", 0, "Status poll interval")

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List your research tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := sess.requireToken(); err != nil {
				return err
			}
			spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
			spin.Suffix = " Fetching tasks..."
			spin.Start()
			tasks, err := sess.client().ListTasks(cmd.Context())
			spin.Stop()
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println(ui.dim("No research tasks yet."))
				return nil
			}
			if limit > 0 && len(tasks) > limit {
				tasks = tasks[:limit]
			}
			for _, t := range tasks {
				shared := ""
				if t.IsPublic {
					shared = ui.info(" [shared]")
				}
				fmt.Printf("%s  %-9s %s%s %s\n", t.Key(), statusLabel(ui, t.Status), t.Location.Name, shared,
					ui.dim(t.CreatedAt.Local().Format(time.DateTime)))
			}
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 0, "Show at most this many tasks")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a research task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := sess.requireToken(); err != nil {
				return err
			}
			spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
			spin.Suffix = " Fetching task..."
			spin.Start()
			t, err := sess.client().GetTask(cmd.Context(), args[0])
			spin.Stop()
			if err != nil {
				return err
			}
			fmt.Println(ui.title(t.Location.Name), ui.dim(fmt.Sprintf("(%.5f, %.5f)", t.Location.Lat, t.Location.Lng)))
			fmt.Println("ID:         ", t.ID)
			fmt.Println("Research ID:", emptyOr(t.ExternalID, "<pending>"))
			fmt.Println("Status:     ", statusLabel(ui, t.Status))
			if t.Error != "" {
				fmt.Println("Error:      ", ui.err(t.Error))
			}
			if t.ReportURL != "" {
				fmt.Println("Report:     ", t.ReportURL)
			}
			if t.IsPublic {
				fmt.Println("Share token:", t.ShareToken)
			}
			return nil
		},
	}

	research.AddCommand(start, follow, list, get)
	return research
}

func shareCmd(sess *session, ui *ui) *cobra.Command {
	share := &cobra.Command{
		Use:   "share",
		Short: "Share research publicly",
	}

	var images []string
	create := &cobra.Command{
		Use:   "create <taskId>",
		Short: "Make a task public and print its link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := sess.requireToken(); err != nil {
				return err
			}
			res, err := sess.client().Share(cmd.Context(), args[0], images)
			if err != nil {
				return err
			}
			fmt.Printf("%s Shared: %s\n", ui.ok("[OK]"), res.ShareURL)
			return nil
		},
	}
	create.Flags().StringSliceVar(&images, "image", nil, "Gallery image URL (repeatable)")

	remove := &cobra.Command{
		Use:   "delete <taskId>",
		Short: "Stop sharing a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := sess.requireToken(); err != nil {
				return err
			}
			if err := sess.client().Unshare(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("%s Task %s is private\n", ui.ok("[OK]"), args[0])
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show <token>",
		Short: "Show a shared task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := sess.client().PublicTask(cmd.Context(), args[0])
			if errors.Is(err, domain.ErrNotShared) {
				return errors.New(domain.NotSharedMessage)
			}
			if err != nil {
				return err
			}
			fmt.Println(ui.title(t.LocationName), ui.dim(fmt.Sprintf("(%.5f, %.5f)", t.LocationLat, t.LocationLng)))
			fmt.Println("Research ID:", t.DeepResearchID)
			fmt.Println("Status:     ", statusLabel(ui, t.Status))
			for _, img := range t.LocationImages {
				fmt.Println(ui.dim("  image:"), img)
			}
			return nil
		},
	}

	share.AddCommand(create, remove, show)
	return share
}

func usageCmd(sess *session, ui *ui) *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show today's research usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := sess.client().Usage(cmd.Context())
			if err != nil {
				return err
			}
			limit := "unlimited"
			if u.Limit > 0 {
				limit = fmt.Sprintf("%d", u.Limit)
			}
			fmt.Printf("%s %s: %d of %s runs used, resets %s\n", ui.info("[INFO]"), u.Tier, u.Used, limit,
				u.ResetAt.Local().Format(time.DateTime))
			return nil
		},
	}
}

func newController(sess *session, pollEvery time.Duration, opts ...lifecycle.Option) *lifecycle.Controller {
	c := sess.client()
	opts = append(opts, lifecycle.WithPublicReader(c))
	if pollEvery > 0 {
		opts = append(opts, lifecycle.WithPollInterval(pollEvery))
	}
	return lifecycle.NewController(c, c, opts...)
}

// finish waits for the task to settle and prints the outcome. A cancelled
// context detaches from the task without stopping it server-side.
func finish(ctx context.Context, ctrl *lifecycle.Controller, r *renderer, detached bool) error {
	vm, err := ctrl.Wait(ctx)
	ctrl.Cancel()
	r.stop()
	if err != nil {
		if vm.TaskID != "" {
			if detached {
				fmt.Println(vm.TaskID)
				return nil
			}
			fmt.Printf("%s Detached. Resume with: historia research follow %s\n", r.ui.warn("[WARN]"), vm.TaskID)
			return nil
		}
		return err
	}
	return r.result(vm)
}

func statusLabel(ui *ui, s domain.Status) string {
	switch s {
	case domain.StatusCompleted:
		return ui.ok(string(s))
	case domain.StatusFailed:
		return ui.err(string(s))
	case domain.StatusRunning:
		return ui.info(string(s))
	default:
		return ui.dim(string(s))
	}
}

// renderer prints view model changes as they arrive. Updates come from the
// controller's goroutines.
type renderer struct {
	out io.Writer
	ui  *ui

	mu        sync.Mutex
	spin      *spinner.Spinner
	bar       *progressbar.ProgressBar
	taskID    string
	status    domain.Status
	polling   bool
	timeline  int
	announced bool
}

func newRenderer(out io.Writer, ui *ui) *renderer {
	return &renderer{out: out, ui: ui}
}

func (r *renderer) wait(suffix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spin = spinner.New(spinner.CharSets[14], 120*time.Millisecond)
	r.spin.Suffix = suffix
	r.spin.Start()
}

func (r *renderer) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopSpinnerLocked()
	if r.bar != nil {
		_ = r.bar.Finish()
		r.bar = nil
	}
}

func (r *renderer) stopSpinnerLocked() {
	if r.spin != nil {
		r.spin.Stop()
		r.spin = nil
	}
}

func (r *renderer) update(vm lifecycle.ViewModel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if vm.Idle() {
		return
	}
	if vm.TaskID != "" && vm.TaskID != r.taskID {
		r.stopSpinnerLocked()
		r.taskID = vm.TaskID
		fmt.Fprintf(r.out, "%s Task %s\n", r.ui.info("[INFO]"), vm.TaskID)
	}
	if vm.Status != r.status {
		r.status = vm.Status
		if vm.Status == domain.StatusRunning && !r.announced {
			r.announced = true
			r.stopSpinnerLocked()
			fmt.Fprintf(r.out, "%s Researching %s\n", r.ui.info("[INFO]"), vm.Location.Name)
		}
	}
	if vm.Polling && !r.polling {
		fmt.Fprintf(r.out, "%s Stream handed off, polling for updates\n", r.ui.dim("[INFO]"))
	}
	r.polling = vm.Polling

	items := vm.Timeline()
	if len(items) < r.timeline {
		r.timeline = 0
	}
	for _, it := range items[r.timeline:] {
		r.printItemLocked(it)
	}
	r.timeline = len(items)

	if vm.Progress.TotalSteps > 0 && !vm.Status.Terminal() {
		if r.bar == nil {
			r.bar = progressbar.NewOptions(vm.Progress.TotalSteps,
				progressbar.OptionSetWriter(r.out),
				progressbar.OptionSetDescription("Research steps"),
				progressbar.OptionSetWidth(18),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)
		} else if r.bar.GetMax() != vm.Progress.TotalSteps {
			r.bar.ChangeMax(vm.Progress.TotalSteps)
		}
		_ = r.bar.Set(vm.Progress.CurrentStep)
	}
}

func (r *renderer) printItemLocked(it domain.TimelineItem) {
	switch it.Kind {
	case domain.TimelineText:
		text := strings.TrimSpace(it.Text)
		if it.ContentType == domain.ContentReasoning {
			fmt.Fprintln(r.out, r.ui.dim(truncate(text, 160)))
			return
		}
		fmt.Fprintln(r.out, truncate(text, 400))
	case domain.TimelineToolCall:
		fmt.Fprintf(r.out, "%s %s %s\n", r.ui.info("->"), it.ToolName, r.ui.dim(truncate(string(it.Input), 120)))
	case domain.TimelineToolResult:
		fmt.Fprintf(r.out, "%s %s\n", r.ui.dim("<-"), r.ui.dim(truncate(string(it.Output), 120)))
	}
}

func (r *renderer) result(vm lifecycle.ViewModel) error {
	switch vm.Status {
	case domain.StatusFailed:
		return errors.New(emptyOr(vm.Error, domain.DefaultFailureReason))
	case domain.StatusCompleted:
	default:
		fmt.Fprintf(r.out, "%s Task %s is %s\n", r.ui.warn("[WARN]"), vm.Key(), vm.Status)
		return nil
	}
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, r.ui.title(vm.Location.Name))
	if out := strings.TrimSpace(vm.Output); out != "" {
		fmt.Fprintln(r.out, out)
	}
	if len(vm.Sources) > 0 {
		fmt.Fprintln(r.out)
		fmt.Fprintln(r.out, r.ui.title("Sources"))
		for i, s := range vm.Sources {
			fmt.Fprintf(r.out, "%d. %s %s\n", i+1, emptyOr(s.Title, s.URL), r.ui.dim(s.URL))
		}
	}
	fmt.Fprintf(r.out, "%s Research completed: %s\n", r.ui.ok("[OK]"), vm.Key())
	return nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
