package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"vigil/internal/app"
	"vigil/internal/config"
	"vigil/internal/jobstate"
	"vigil/internal/logging"
	"vigil/pkg/archive"
	"vigil/pkg/model"
)

func main() {
	// --- 1. 定义命令行参数 ---
	var (
		jobIDToGet  string
		jobIDToTail string
		showJobs    bool
		publishFile string
		putLogJob   string
		logFile     string
		demoJobs    int
		retire      bool
		timeout     time.Duration
	)
	cfg, _, err := config.Parse("vigil-cli", os.Args[1:], func(fs *flag.FlagSet) {
		// 获取归档日志
		fs.StringVar(&jobIDToGet, "getlog", "", "Print the archived log of a job")
		// 跟随日志直到结束 (流断了会回退到归档)
		fs.StringVar(&jobIDToTail, "tail", "", "Follow the log of a job until it ends")
		fs.BoolVar(&showJobs, "jobs", false, "Print the current job table and exit")
		// 以下写 etcd，给开发环境造数据用
		fs.StringVar(&publishFile, "publish", "", "Publish a snapshot JSON file to etcd")
		fs.IntVar(&demoJobs, "demo", 0, "Publish a synthetic snapshot with this many jobs to etcd")
		fs.BoolVar(&retire, "retire", false, "Delete the agent snapshot from etcd (watchers see a clean close)")
		fs.StringVar(&putLogJob, "putlog", "", "Store a job log in etcd (content from -f)")
		fs.StringVar(&logFile, "f", "", "File used by -putlog")
		fs.DurationVar(&timeout, "timeout", 10*time.Second, "Overall timeout")
	})
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	if cfg.Log.Level == "info" {
		cfg.Log.Level = "warn"
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	defer logger.Sync()

	// --- 2. 组装 ---
	var opts []app.Option
	if publishFile != "" || putLogJob != "" || demoJobs > 0 || retire {
		opts = append(opts, app.WithEtcd())
	}
	a, err := app.New(cfg, logger, opts...)
	if err != nil {
		log.Fatalf("❌ Failed to init: %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// --- 3. 分支 ---
	switch {
	case jobIDToGet != "":
		err = getLog(ctx, a.Archive, jobIDToGet)
	case jobIDToTail != "":
		err = tailLog(ctx, a, jobIDToTail)
	case showJobs:
		err = printJobs(ctx, a)
	case publishFile != "":
		err = publish(ctx, a, publishFile)
	case demoJobs > 0:
		err = publishSnapshot(ctx, a, demoSnapshot(demoJobs, time.Now()))
	case retire:
		err = retireAgent(ctx, a)
	case putLogJob != "":
		err = putLog(ctx, a, putLogJob, logFile)
	default:
		err = fmt.Errorf("nothing to do, use -getlog, -tail, -jobs, -publish, -demo, -retire or -putlog")
	}
	if err != nil {
		a.Close()
		log.Fatalf("❌ %v", err)
	}
}

func getLog(ctx context.Context, arch archive.Archive, jid string) error {
	logs, err := arch.Fetch(ctx, jid)
	if err != nil {
		return fmt.Errorf("failed to get logs: %s", archive.Describe(err))
	}
	fmt.Printf("\n📄 Logs for Job [%s]:\n", jid)
	fmt.Println("================================================")
	fmt.Println(strings.TrimSpace(logs))
	fmt.Println("================================================")
	return nil
}

// tailLog 每次有新内容就打印新增的部分
func tailLog(ctx context.Context, a *app.App, jid string) error {
	c := a.NewLogTail(jid)
	views, unsubscribe := c.Subscribe()
	defer unsubscribe()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	printed := 0
	for v := range views {
		if len(v.Text) < printed {
			// 归档内容替换了流式内容
			fmt.Println("\n--- stream lost, archived log follows ---")
			printed = 0
		}
		fmt.Print(v.Text[printed:])
		printed = len(v.Text)
	}
	if err := <-done; err != nil {
		return err
	}
	v := c.View()
	if v.Empty {
		fmt.Println("(no output)")
	} else {
		fmt.Println()
	}
	fmt.Printf("--- %s ---\n", v.State)
	return nil
}

// printJobs 等到第一条快照后打印计数和任务表
func printJobs(ctx context.Context, a *app.App) error {
	views, unsubscribe := a.Jobs.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.RunJobs(ctx) }()

	for {
		select {
		case v := <-views:
			if v.HasData {
				writeJobs(os.Stdout, v)
				return nil
			}
		case err := <-done:
			if v := a.Jobs.View(); v.HasData {
				writeJobs(os.Stdout, v)
				return nil
			}
			if err == nil {
				err = fmt.Errorf("agent closed the channel before sending a snapshot")
			}
			return err
		}
	}
}

func writeJobs(w io.Writer, v jobstate.View) {
	for _, c := range v.Counts {
		fmt.Fprintf(w, "%s %d  ", c.Bucket, c.N)
	}
	fmt.Fprintf(w, "queue %d  total %d\n\n", v.Queue, v.Total)
	fmt.Fprintf(w, "%-5s %-14s %-11s %-18s %s\n", "#", "JID", "STATE", "NAME", "COMMAND")
	for _, r := range v.Rows {
		fmt.Fprintf(w, "%-5d %-14s %-11s %-18s %s\n", r.Index, r.JID, r.State, r.Name, r.Command)
	}
}

func publish(ctx context.Context, a *app.App, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("%s is not a valid snapshot: %w", path, err)
	}
	return publishSnapshot(ctx, a, &snap)
}

func publishSnapshot(ctx context.Context, a *app.App, snap *model.Snapshot) error {
	agentID := a.Config.Agent.ID
	if agentID == "" {
		return fmt.Errorf("agent id is required (-agent-id)")
	}
	if err := a.Etcd().PublishSnapshot(ctx, agentID, snap); err != nil {
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}
	fmt.Printf("✅ Snapshot published for agent %s (%d jobs)\n", agentID, snap.Total)
	return nil
}

func retireAgent(ctx context.Context, a *app.App) error {
	agentID := a.Config.Agent.ID
	if agentID == "" {
		return fmt.Errorf("agent id is required (-agent-id)")
	}
	if err := a.Etcd().DeleteSnapshot(ctx, agentID); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	fmt.Printf("🗑  Snapshot removed for agent %s\n", agentID)
	return nil
}

// demoSnapshot 生成 n 个任务，轮流放进各个桶
func demoSnapshot(n int, now time.Time) *model.Snapshot {
	states := []model.State{
		model.StatePending, model.StateSubmitted, model.StateRunning,
		model.StateSucceeded, model.StateFailed, model.StateCancelled,
	}
	snap := &model.Snapshot{Jobs: map[model.Bucket][]model.Job{}, Total: n, IsReady: true}
	for i := 0; i < n; i++ {
		st := states[i%len(states)]
		b := model.Bucket(st.Class())
		job := model.Job{
			Index:   i,
			JID:     fmt.Sprintf("job-%d-%d", now.UnixNano(), i),
			State:   st,
			Created: float64(now.Add(-time.Duration(n-i) * time.Second).Unix()),
		}
		job.Spec.Name = fmt.Sprintf("Job-%d", i)
		job.Spec.Command = []string{"sh", "-c", fmt.Sprintf("echo 'Task %d started'; sleep %d", i, i%5)}
		snap.Jobs[b] = append(snap.Jobs[b], job)
		if b == model.BucketPending || b == model.BucketSubmitted {
			snap.Queue++
		}
	}
	return snap
}

func putLog(ctx context.Context, a *app.App, jid, path string) error {
	if path == "" {
		return fmt.Errorf("-putlog needs -f <file>")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := a.Etcd().SaveJobLog(ctx, jid, string(data)); err != nil {
		return fmt.Errorf("failed to save log: %w", err)
	}
	fmt.Printf("📝 Log saved to etcd for job %s (%d bytes)\n", jid, len(data))
	fmt.Println("💡 View it with:")
	fmt.Printf("   vigil-cli -archive etcd -getlog %s\n", jid)
	return nil
}
