package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/velvetclaw/missionctl/internal/config"
	"github.com/velvetclaw/missionctl/internal/directory"
	"github.com/velvetclaw/missionctl/internal/schedule"
	"github.com/velvetclaw/missionctl/internal/store"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the VelvetClaw organization into the store",
	Run:   runSeed,
}

type seedAgent struct {
	id, name, role, dept string
	capabilities         []string
}

type seedTask struct {
	title, agent, timeOfDay string
	day                     time.Weekday
}

var seedDepartments = []directory.Department{
	{ID: "research", Name: "Research"},
	{ID: "content", Name: "Content"},
	{ID: "development", Name: "Development"},
	{ID: "design", Name: "Design"},
	{ID: "user-success", Name: "User Success"},
	{ID: "product", Name: "Product"},
}

var seedAgents = []seedAgent{
	{"jarvis", "JARVIS", "Chief Strategy Officer", "", []string{"Strategic Planning", "Task Orchestration"}},
	{"atlas", "ATLAS", "Senior Research Analyst", "research", []string{"Deep Research", "Web Search"}},
	{"trendy", "TRENDY", "Viral Scout", "research", []string{"Trend Detection", "Viral Content Scouting"}},
	{"scribe", "SCRIBE", "Content Director", "content", []string{"Content Creation", "Voice Analysis"}},
	{"clawd", "CLAWD", "Senior Software Engineer", "development", []string{"Full-Stack Development", "Multi-Agent Review"}},
	{"sentinel", "SENTINEL", "QA & Business Monitor", "development", []string{"Uptime Monitoring", "Code Review"}},
	{"pixel", "PIXEL", "Lead Designer", "design", []string{"Design Concepts", "Image Generation"}},
	{"nova", "NOVA", "Video Production Lead", "design", []string{"Video Planning", "Video Generation"}},
	{"vibe", "VIBE", "Senior Motion Designer", "design", []string{"Motion Graphics", "Launch Videos"}},
	{"sage", "SAGE", "User Success Agent", "user-success", []string{"User Segmentation", "Personalized Emails"}},
	{"clip", "CLIP", "Clipping Agent", "product", []string{"Video Clipping", "Caption Generation"}},
}

var seedTasks = []seedTask{
	{"Org-wide status check", "jarvis", "09:00", time.Monday},
	{"Trend scan cycle", "trendy", "06:00", time.Monday},
	{"Weekly research digest", "atlas", "10:00", time.Tuesday},
	{"Content calendar review", "scribe", "14:00", time.Tuesday},
	{"Infrastructure health audit", "sentinel", "08:00", time.Wednesday},
	{"Design review session", "pixel", "11:00", time.Thursday},
	{"User engagement report", "sage", "15:00", time.Friday},
	{"Clip performance analysis", "clip", "16:00", time.Friday},
}

func runSeed(cmd *cobra.Command, args []string) {
	printHeader("🌱 Mission Control Seed")

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Config error: %v\n", err)
		os.Exit(1)
	}
	if err := config.EnsureDir(cfg.Paths.DataDir); err != nil {
		fmt.Printf("Data dir error: %v\n", err)
		os.Exit(1)
	}
	st, err := store.Open(cfg.Paths.DBPath(), cfg.Store)
	if err != nil {
		fmt.Printf("Failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx := context.Background()
	if err := Seed(ctx, st, cfg.Directory); err != nil {
		fmt.Printf("Seed failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Seeded %d departments, %d agents, %d scheduled tasks.\n",
		len(seedDepartments), len(seedAgents), len(seedTasks))
}

// Seed registers the VelvetClaw organization: departments, agents, and the
// recurring weekly schedule. Idempotent; re-running upserts in place.
func Seed(ctx context.Context, st *store.Store, dirCfg directory.Config) error {
	dir := directory.New(st, dirCfg)
	for _, d := range seedDepartments {
		if err := dir.UpsertDepartment(ctx, d); err != nil {
			return fmt.Errorf("department %s: %w", d.ID, err)
		}
	}
	for _, a := range seedAgents {
		err := dir.UpsertAgent(ctx, directory.Agent{
			ID:           a.id,
			DisplayName:  a.name,
			Role:         a.role,
			DepartmentID: a.dept,
			Capabilities: a.capabilities,
		})
		if err != nil {
			return fmt.Errorf("agent %s: %w", a.id, err)
		}
	}

	sched := schedule.New(st)
	existing, err := sched.Tasks(ctx)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, t := range existing {
		have[t.Title] = true
	}
	for _, t := range seedTasks {
		if have[t.title] {
			continue
		}
		day := t.day
		_, err := sched.Add(ctx, schedule.Task{
			Title:     t.title,
			AgentID:   t.agent,
			DayOfWeek: &day,
			TimeOfDay: t.timeOfDay,
			Recurring: true,
		})
		if err != nil {
			return fmt.Errorf("task %q: %w", t.title, err)
		}
	}
	return nil
}
