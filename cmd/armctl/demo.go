package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/golang/geo/r3"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"

	"github.com/gwillem/armctl/pkg/actuator/sim"
	"github.com/gwillem/armctl/pkg/coordinator"
	"github.com/gwillem/armctl/pkg/robot"
	"github.com/gwillem/armctl/pkg/state"
	"github.com/gwillem/armctl/pkg/task"
)

type DemoCommand struct {
	NoTUI      bool          `long:"no-tui" description:"Print log lines instead of the live chart"`
	MotionTime time.Duration `long:"motion-time" default:"400ms" description:"Simulated time to complete a pose"`
	Dance      time.Duration `long:"dance" default:"3s" description:"Dance duration"`
}

const (
	headerHeight = 2 // title + blank line
	legendHeight = 2 // legend row + blank
	footerHeight = 9 // log box height
	maxLogs      = 7 // number of log messages to show
	borderSize   = 2 // chart border
)

// Joint colors - distinct colors for each joint
var jointColors = map[robot.JointName]string{
	robot.BaseYaw:     "196", // red
	robot.Shoulder:    "208", // orange
	robot.Elbow:       "226", // yellow
	robot.WristPitch:  "46",  // green
	robot.WristRoll:   "51",  // cyan
	robot.WristRotate: "201", // magenta
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	chartStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// scenarioStep is one task of the demo run.
type scenarioStep struct {
	name string
	run  func(ctx context.Context, c *coordinator.Coordinator) task.Result
}

func demoScenario(dance time.Duration) []scenarioStep {
	return []scenarioStep{
		{"pick cube1", func(ctx context.Context, c *coordinator.Coordinator) task.Result {
			return c.PickObject(ctx, "cube1")
		}},
		{"carry to (0, 0.3, 0)", func(ctx context.Context, c *coordinator.Coordinator) task.Result {
			return c.CarryTo(ctx, r3.Vector{X: 0, Y: 0.3, Z: 0})
		}},
		{"place", func(ctx context.Context, c *coordinator.Coordinator) task.Result {
			return c.PlaceObject(ctx, nil)
		}},
		{"dance", func(ctx context.Context, c *coordinator.Coordinator) task.Result {
			return c.Dance(ctx, dance)
		}},
		{"reset", func(ctx context.Context, c *coordinator.Coordinator) task.Result {
			return c.ResetToBase(ctx)
		}},
	}
}

// runScenario executes the steps in order and stops at the first failure.
func runScenario(ctx context.Context, c *coordinator.Coordinator, steps []scenarioStep, report func(string)) error {
	for i, step := range steps {
		res := step.run(ctx, c)
		line := fmt.Sprintf("step %d/%d %s: %s (%d ms)", i+1, len(steps), step.name, res.Message, res.DurationMs)
		if !res.Success {
			report(line + " [" + string(res.ErrorCode) + "]")
			return fmt.Errorf("%s failed: %s", step.name, res.ErrorCode)
		}
		report(line)
	}
	return nil
}

type demoModel struct {
	coord    *coordinator.Coordinator
	chart    *streamlinechart.Model
	width    int // terminal width
	height   int // terminal height
	logs     []string
	arm      robot.ArmState
	taskNow  task.Status
	done     bool
	quitting bool
	last     *robot.JointVector // previous observed joints, to freeze the chart when idle
}

func (m *demoModel) addLog(msg string) {
	m.logs = append(m.logs, msg)
	if len(m.logs) > maxLogs {
		m.logs = m.logs[len(m.logs)-maxLogs:]
	}
}

// Messages from the coordinator and the scenario
type stateMsg coordinator.State
type logMsg string
type scenarioDoneMsg struct{ err error }

func waitForState(c *coordinator.Coordinator) tea.Cmd {
	return func() tea.Msg {
		return stateMsg(<-c.States())
	}
}

func waitForLog(c *coordinator.Coordinator) tea.Cmd {
	return func() tea.Msg {
		return logMsg(<-c.Logs())
	}
}

// chartSize calculates the size of the chart based on terminal dimensions
func (m *demoModel) chartSize() (width, height int) {
	if m.width == 0 || m.height == 0 {
		return 80, 20 // default size before we know terminal size
	}
	width = m.width - borderSize - 2
	if width < 40 {
		width = 40
	}
	height = m.height - headerHeight - legendHeight - footerHeight - borderSize
	if height < 10 {
		height = 10
	}
	return width, height
}

func initialDemoModel(c *coordinator.Coordinator) demoModel {
	chart := streamlinechart.New(80, 20,
		streamlinechart.WithYRange(-180, 180),
	)
	for _, name := range robot.AllJoints() {
		style := lipgloss.NewStyle().Foreground(lipgloss.Color(jointColors[name]))
		chart.SetDataSetStyles(string(name), runes.ThinLineStyle, style)
	}
	return demoModel{
		coord:   c,
		chart:   &chart,
		taskNow: task.StatusIdle,
	}
}

func (m demoModel) Init() tea.Cmd {
	return tea.Batch(
		waitForState(m.coord),
		waitForLog(m.coord),
	)
}

func (m demoModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.chart.Resize(m.chartSize())
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case stateMsg:
		m.arm = msg.Arm
		m.taskNow = msg.Task
		if m.last == nil || *m.last != msg.Observed {
			for i, name := range robot.AllJoints() {
				m.chart.PushDataSet(string(name), msg.Observed[i])
			}
			m.chart.DrawAll()
			observed := msg.Observed
			m.last = &observed
		}
		return m, waitForState(m.coord)

	case logMsg:
		m.addLog(string(msg))
		return m, waitForLog(m.coord)

	case scenarioDoneMsg:
		m.done = true
		if msg.err != nil {
			m.addLog("Scenario failed: " + msg.err.Error())
		} else {
			m.addLog("Scenario complete, press 'q' to quit")
		}
	}

	return m, nil
}

func (m demoModel) View() string {
	if m.quitting {
		return "Demo stopped.\n"
	}

	var sb strings.Builder

	sb.WriteString(titleStyle.Render("armctl demo"))
	sb.WriteString(statusStyle.Render(fmt.Sprintf("  task: %s  engaged: %v", m.taskNow, m.arm.ActuatorEngaged)))
	if m.arm.Holding() {
		sb.WriteString(statusStyle.Render("  holding: " + m.arm.HeldObjectID))
	}
	sb.WriteString("\n\n")

	sb.WriteString(chartStyle.Render(m.chart.View()))
	sb.WriteString("\n")

	sb.WriteString(renderLegend())
	sb.WriteString("\n")

	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Width(max(m.width-4, 20))

	logLines := statusStyle.Render("Press 'q' to quit")
	if len(m.logs) > 0 {
		logLines = strings.Join(m.logs, "\n")
	}
	sb.WriteString(logStyle.Render(logLines))
	sb.WriteString("\n")

	return sb.String()
}

func renderLegend() string {
	var items []string
	for _, name := range robot.AllJoints() {
		colorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(jointColors[name])).Bold(true)
		items = append(items, colorStyle.Render("━━")+" "+string(name))
	}
	return strings.Join(items, "  ")
}

func (c *DemoCommand) Execute(args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := state.Open(ctx, &state.Memory{}, defaultObjects)
	if err != nil {
		return err
	}
	act := sim.New(sim.Config{MotionTime: c.MotionTime, Objects: defaultObjects})
	coord := coordinator.New(store, act, coordinator.Config{Timeouts: task.DefaultTimeouts})
	defer coord.Close()

	go func() {
		if err := coord.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("Coordinator error: %v", err)
		}
	}()

	steps := demoScenario(c.Dance)

	if c.NoTUI {
		go func() {
			for line := range coord.Logs() {
				log.Println(line)
			}
		}()
		go func() {
			for range coord.States() {
			}
		}()
		return runScenario(ctx, coord, steps, func(line string) { log.Println(line) })
	}

	p := tea.NewProgram(initialDemoModel(coord), tea.WithAltScreen())
	go func() {
		err := runScenario(ctx, coord, steps, func(line string) { p.Send(logMsg(line)) })
		p.Send(scenarioDoneMsg{err: err})
	}()
	if _, err := p.Run(); err != nil {
		log.Fatalf("Error running program: %v", err)
	}
	return nil
}
