package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/rigwatch/internal/server"
)

var replayStartNow bool

var replayCmd = &cobra.Command{
	Use:   "replay <eventSeq...>",
	Short: "Create a replay job spanning the given events",
	Long: `Replay registers a history replay job on the daemon. The job's window
is the time span of the given event sequence numbers (see 'rigwatch export'
for sequence numbers). With --start the job begins streaming immediately;
otherwise start it later with 'rigwatch replay-start <jobId>'.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seqs := make([]uint64, 0, len(args))
		for _, a := range args {
			n, err := strconv.ParseUint(a, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid event seq %q", a)
			}
			seqs = append(seqs, n)
		}

		c, err := client()
		if err != nil {
			return err
		}
		var job server.ReplayJob
		if err := c.post("/api/replay", map[string]any{"seqs": seqs}, &job); err != nil {
			return err
		}
		fmt.Printf("replay job %s  window %s .. %s\n",
			job.ID, job.Start.Format(time.RFC3339), job.End.Format(time.RFC3339))

		if !replayStartNow {
			return nil
		}
		if err := c.post("/api/replay/"+job.ID+"/start", nil, &job); err != nil {
			return err
		}
		fmt.Printf("replay %s started\n", job.ID)
		return nil
	},
}

var replayStartCmd = &cobra.Command{
	Use:   "replay-start <jobId>",
	Short: "Start a pending replay job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		var job server.ReplayJob
		if err := c.post("/api/replay/"+args[0]+"/start", nil, &job); err != nil {
			return err
		}
		fmt.Printf("replay %s %s\n", job.ID, job.Status)
		return nil
	},
}

var replayJobsCmd = &cobra.Command{
	Use:   "replay-jobs",
	Short: "List replay jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		var resp struct {
			Jobs []server.ReplayJob `json:"jobs"`
		}
		if err := c.get("/api/replay", &resp); err != nil {
			return err
		}
		if len(resp.Jobs) == 0 {
			fmt.Println("no replay jobs")
			return nil
		}
		fmt.Println(headerStyle.Render(fmt.Sprintf("%-36s %-8s %-7s %s", "ID", "STATUS", "FRAMES", "WINDOW")))
		for _, j := range resp.Jobs {
			fmt.Printf("%-36s %-8s %-7d %s .. %s\n",
				j.ID, j.Status, j.Frames,
				j.Start.Format(time.RFC3339), j.End.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	replayCmd.Flags().BoolVar(&replayStartNow, "start", false, "start the job immediately")
	rootCmd.AddCommand(replayCmd, replayStartCmd, replayJobsCmd)
}
