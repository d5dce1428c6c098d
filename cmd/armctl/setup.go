package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/hipsterbrown/feetech-servo/feetech"
	"go.bug.st/serial"

	"github.com/gwillem/armctl/pkg/robot"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	subHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	successStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failureStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type SetupCommand struct{}

func (c *SetupCommand) Execute(args []string) error {
	fmt.Println(headerStyle.Render("armctl Setup"))
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━"))
	fmt.Println()

	cfg, err := loadConfig(opts.Config)
	if err != nil {
		return err
	}

	// Step 1: Find the arm
	arm, err := selectArm()
	if err != nil {
		return err
	}

	// Step 2: Calibrate
	fmt.Println()
	fmt.Println(subHeaderStyle.Render("━━━ Calibrating Arm ━━━"))
	fmt.Println()
	cal, err := calibrateArm(arm)
	if err != nil {
		return err
	}

	cfg.Actuator.Kind = robot.ActuatorServo
	cfg.Actuator.Port = arm.port
	cfg.Actuator.Calibration = cal
	if err := cfg.SaveTo(opts.Config); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Println()
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"))
	fmt.Println(successStyle.Render("Setup complete!"))
	fmt.Printf("Configuration saved to %s\n", opts.Config)
	fmt.Println()
	fmt.Println("Start the coordinator with: " + headerStyle.Render("armctl serve"))

	return nil
}

type armInfo struct {
	port   string
	servos []feetech.FoundServo
	bus    *feetech.Bus
}

// jointLayout maps servo IDs (index+1) to motors for a bus with n servos.
// Six-servo arms have no wrist_rotate motor; that joint stays uncalibrated.
func jointLayout(n int) []robot.JointName {
	switch n {
	case 7:
		return append(robot.AllJoints(), robot.Gripper)
	case 6:
		return []robot.JointName{
			robot.BaseYaw, robot.Shoulder, robot.Elbow,
			robot.WristPitch, robot.WristRoll, robot.Gripper,
		}
	}
	return nil
}

// isArm reports whether servos have consecutive IDs starting at 1 and a known layout.
func isArm(servos []feetech.FoundServo) bool {
	if jointLayout(len(servos)) == nil {
		return false
	}
	ids := make(map[int]bool)
	for _, s := range servos {
		ids[s.ID] = true
	}
	for i := 1; i <= len(servos); i++ {
		if !ids[i] {
			return false
		}
	}
	return true
}

func openBus(port string) (*feetech.Bus, error) {
	return feetech.NewBus(feetech.BusConfig{
		Port:     port,
		BaudRate: 1_000_000,
		Protocol: feetech.ProtocolSTS,
		Timeout:  100 * time.Millisecond,
	})
}

func findArms() []armInfo {
	ports, err := serial.GetPortsList()
	if err != nil {
		fmt.Printf("Error listing ports: %v\n", err)
		return nil
	}

	var arms []armInfo
	for _, port := range ports {
		// Skip Bluetooth ports on macOS
		if strings.Contains(port, "Bluetooth") {
			continue
		}

		bus, err := openBus(port)
		if err != nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		servos, err := bus.Scan(ctx, 1, 7)
		cancel()

		if err != nil || !isArm(servos) {
			bus.Close()
			continue
		}
		fmt.Printf("  Found %d-servo arm on %s\n", len(servos), port)
		arms = append(arms, armInfo{port: port, servos: servos, bus: bus})
	}
	return arms
}

// selectArm wiggles each arm found and asks which one to use.
func selectArm() (armInfo, error) {
	fmt.Println("Scanning for robot arms...")
	fmt.Println()

	arms := findArms()
	if len(arms) == 0 {
		fmt.Println("Make sure your arm is connected and powered on.")
		return armInfo{}, fmt.Errorf("no arm found")
	}

	for i, arm := range arms {
		if len(arms) > 1 {
			wiggle(arm)
		}

		use := true
		if len(arms) > 1 {
			form := huh.NewForm(
				huh.NewGroup(
					huh.NewConfirm().
						Title(fmt.Sprintf("Use the arm on %s?", arm.port)).
						Description("The arm that just wiggled").
						Affirmative("Use it").
						Negative("Skip").
						Value(&use),
				),
			)
			if err := form.Run(); err != nil {
				fmt.Println()
				os.Exit(0)
			}
		}
		if use {
			for _, other := range arms[i+1:] {
				other.bus.Close()
			}
			return arm, nil
		}
		arm.bus.Close()
	}
	return armInfo{}, fmt.Errorf("no arm selected")
}

func wiggle(arm armInfo) {
	ctx := context.Background()

	// Wiggle the base servo
	var servo *feetech.Servo
	for _, s := range arm.servos {
		if s.ID == 1 {
			servo = feetech.NewServo(arm.bus, s.ID, s.Model)
			break
		}
	}
	if servo == nil {
		return
	}

	originalPos, err := servo.Position(ctx)
	if err != nil {
		fmt.Printf("  Error reading position: %v\n", err)
		return
	}
	if err := servo.Enable(ctx); err != nil {
		fmt.Printf("  Error enabling servo: %v\n", err)
		return
	}

	fmt.Printf("\n  Wiggling arm on %s...\n", arm.port)

	wiggleAmount := 30
	moveTimeMs := 500
	for _, pos := range []int{originalPos + wiggleAmount, originalPos - wiggleAmount, originalPos} {
		servo.SetPositionWithTime(ctx, pos, moveTimeMs)
		time.Sleep(time.Duration(moveTimeMs+100) * time.Millisecond)
	}

	servo.Disable(ctx)
}

func calibrateArm(arm armInfo) (robot.Calibration, error) {
	defer arm.bus.Close()

	fmt.Printf("Calibrating arm on %s\n", arm.port)
	fmt.Println()

	motors := jointLayout(len(arm.servos))
	servoMap := make(map[int]*feetech.Servo)
	for _, s := range arm.servos {
		servoMap[s.ID] = feetech.NewServo(arm.bus, s.ID, s.Model)
	}

	// Disable all servos so the arm can be moved by hand
	ctx := context.Background()
	for _, servo := range servoMap {
		servo.Disable(ctx)
	}

	fmt.Println(subHeaderStyle.Render("Record range of motion"))
	fmt.Println("Move each joint to its minimum AND maximum positions.")
	fmt.Println("Explore the full range of motion for all joints.")
	fmt.Println()

	model := newCalibrationModel(motors, servoMap)
	finalModel, err := tea.NewProgram(model).Run()
	if err != nil {
		return nil, fmt.Errorf("run calibration: %w", err)
	}
	cm := finalModel.(calibrationModel)

	cal := make(robot.Calibration, len(motors))
	for i, name := range motors {
		cal[name] = robot.MotorCalibration{
			ID:       i + 1,
			RangeMin: cm.minPositions[name],
			RangeMax: cm.maxPositions[name],
		}
	}

	fmt.Println()
	fmt.Printf("Calibrated %d motors.\n", len(cal))
	return cal, nil
}

// Calibration TUI model
type calibrationModel struct {
	motors       []robot.JointName
	servoMap     map[int]*feetech.Servo
	curPositions map[robot.JointName]int
	minPositions map[robot.JointName]int
	maxPositions map[robot.JointName]int
	quitting     bool
}

type tickMsg time.Time

func newCalibrationModel(motors []robot.JointName, servoMap map[int]*feetech.Servo) calibrationModel {
	m := calibrationModel{
		motors:       motors,
		servoMap:     servoMap,
		curPositions: make(map[robot.JointName]int),
		minPositions: make(map[robot.JointName]int),
		maxPositions: make(map[robot.JointName]int),
	}
	ctx := context.Background()
	for i, name := range motors {
		pos, _ := servoMap[i+1].Position(ctx)
		m.curPositions[name] = pos
		m.minPositions[name] = pos
		m.maxPositions[name] = pos
	}
	return m
}

func tick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m calibrationModel) Init() tea.Cmd {
	return tick()
}

func (m calibrationModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "enter", "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		ctx := context.Background()
		for i, name := range m.motors {
			pos, err := m.servoMap[i+1].Position(ctx)
			if err != nil {
				continue
			}
			m.curPositions[name] = pos
			m.minPositions[name] = min(m.minPositions[name], pos)
			m.maxPositions[name] = max(m.maxPositions[name], pos)
		}
		return m, tick()
	}

	return m, nil
}

func (m calibrationModel) View() string {
	if m.quitting {
		return ""
	}

	var sb strings.Builder

	tableHeaderStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	tableMotorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Padding(0, 1)
	tableCellStyle := lipgloss.NewStyle().Padding(0, 1)
	tableCurrentStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Padding(0, 1)
	tableRangeGoodStyle := successStyle.Padding(0, 1)
	tableRangeLowStyle := failureStyle.Padding(0, 1)

	rows := make([][]string, 0, len(m.motors))
	ranges := make([]int, 0, len(m.motors))
	for i, name := range m.motors {
		rangeSize := m.maxPositions[name] - m.minPositions[name]
		ranges = append(ranges, rangeSize)
		rows = append(rows, []string{
			fmt.Sprintf("%d", i+1),
			string(name),
			fmt.Sprintf("%d", m.curPositions[name]),
			fmt.Sprintf("%d", m.minPositions[name]),
			fmt.Sprintf("%d", m.maxPositions[name]),
			fmt.Sprintf("%d", rangeSize),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("ID", "Motor", "Current", "Min", "Max", "Range").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			switch col {
			case 1:
				return tableMotorStyle
			case 2:
				return tableCurrentStyle
			case 5:
				if row >= 0 && row < len(ranges) && ranges[row] > 500 {
					return tableRangeGoodStyle
				}
				return tableRangeLowStyle
			default:
				return tableCellStyle
			}
		})

	sb.WriteString(t.Render())
	sb.WriteString("\n\n")
	sb.WriteString(dimStyle.Render("Press Enter when done"))

	return sb.String()
}
