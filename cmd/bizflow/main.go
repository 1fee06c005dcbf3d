package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aakarsh-roy/bizflow-engine"
	"github.com/fatih/color"
	_ "modernc.org/sqlite"
)

// CLI configuration
type Config struct {
	DefinitionFile string
	Variables      map[string]interface{}
	DBPath         string
	BusinessKey    string
	Actor          string
	Priority       string
	StepLimit      int
	Timeout        time.Duration
	Verbose        bool
	JSON           bool
	ValidateOnly   bool
	ShowHistory    bool
}

func main() {
	config := parseFlags()

	if config.DefinitionFile == "" {
		color.Red("Error: definition file is required")
		flag.Usage()
		os.Exit(1)
	}

	if _, err := os.Stat(config.DefinitionFile); os.IsNotExist(err) {
		color.Red("Error: definition file '%s' not found", config.DefinitionFile)
		os.Exit(1)
	}

	logger := setupLogger(config.Verbose)

	// Load the process definition from YAML
	color.Blue("Loading definition from: %s", config.DefinitionFile)
	def, err := bizflow.LoadFile(config.DefinitionFile)
	if err != nil {
		log.Fatalf("Failed to load definition: %v", err)
	}

	color.Cyan("Definition: %s (v%s, %s)", def.Name(), def.Version(), def.Category())

	if err := def.Validate(); err != nil {
		color.Red("Definition is invalid: %v", err)
		os.Exit(1)
	}
	color.Green("Definition is structurally valid (%d nodes)", len(def.Nodes()))
	if config.ValidateOnly {
		return
	}

	if err := def.Activate(); err != nil {
		log.Fatalf("Failed to activate definition: %v", err)
	}

	// Set up the instance store
	var instances bizflow.InstanceStore
	if config.DBPath != "" {
		db, err := sql.Open("sqlite", config.DBPath)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(1)
		instances, err = bizflow.NewSQLiteInstanceStore(db)
		if err != nil {
			log.Fatalf("Failed to initialize store: %v", err)
		}
		color.Blue("Instance store: %s", config.DBPath)
	}

	engine, err := bizflow.NewEngine(bizflow.EngineOptions{
		Instances: instances,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}

	ctx := context.Background()
	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
		color.Yellow("Timeout: %v", config.Timeout)
	}

	if err := engine.RegisterDefinition(ctx, def); err != nil {
		log.Fatalf("Failed to register definition: %v", err)
	}

	inst, err := engine.Start(ctx, bizflow.StartOptions{
		DefinitionID: def.ID(),
		BusinessKey:  config.BusinessKey,
		Variables:    config.Variables,
		Priority:     bizflow.Priority(config.Priority),
		Actor:        config.Actor,
	})
	if err != nil {
		log.Fatalf("Failed to start process: %v", err)
	}

	color.Green("Started instance %s (business key %s)\n", inst.ID, inst.BusinessKey)

	startTime := time.Now()
	inst, err = driveToCompletion(ctx, engine, def, inst, config)
	duration := time.Since(startTime)

	showResults(ctx, engine, inst, err, duration, config)
}

// driveToCompletion repeatedly completes the current step until the instance
// reaches a terminal status or the step limit is hit. Each step is completed
// by the configured actor with no extra variables, mirroring what a task
// worker or approver would submit through an API.
func driveToCompletion(ctx context.Context, engine *bizflow.Engine, def *bizflow.ProcessDefinition, inst *bizflow.ProcessInstance, config *Config) (*bizflow.ProcessInstance, error) {
	for steps := 0; !inst.Status.Terminal(); steps++ {
		if steps >= config.StepLimit {
			return inst, fmt.Errorf("step limit %d reached at step '%s'", config.StepLimit, inst.CurrentStep)
		}
		node, ok := def.FindNode(inst.CurrentStep)
		if !ok {
			return inst, fmt.Errorf("current step '%s' not found in definition", inst.CurrentStep)
		}
		color.White("  completing %s step '%s' (%s)", node.Type, node.ID, node.Name)

		next, err := engine.CompleteTask(ctx, inst.ID, nil, config.Actor)
		if err != nil {
			return inst, err
		}
		inst = next
	}
	return inst, nil
}

func parseFlags() *Config {
	config := &Config{
		Variables: make(map[string]interface{}),
	}

	flag.StringVar(&config.DefinitionFile, "file", "", "Path to the YAML process definition file (required)")
	flag.StringVar(&config.DefinitionFile, "f", "", "Path to the YAML process definition file (shorthand)")

	var varFlags stringSlice
	flag.Var(&varFlags, "var", "Process variable in format key=value (can be used multiple times)")
	flag.Var(&varFlags, "i", "Process variable in format key=value (shorthand)")

	flag.StringVar(&config.DBPath, "db", "", "SQLite database path for the instance store (default: in-memory)")
	flag.StringVar(&config.BusinessKey, "business-key", "", "Business key for the new instance (default: generated)")
	flag.StringVar(&config.Actor, "actor", "cli", "Actor recorded in the audit trail")
	flag.StringVar(&config.Priority, "priority", "", "Instance priority: low, medium, high, critical")
	flag.IntVar(&config.StepLimit, "steps", 50, "Maximum number of steps to complete before giving up")

	flag.DurationVar(&config.Timeout, "timeout", 0, "Run timeout (e.g., 30s, 5m)")
	flag.DurationVar(&config.Timeout, "t", 0, "Run timeout (shorthand)")

	flag.BoolVar(&config.Verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&config.Verbose, "v", false, "Enable verbose logging (shorthand)")

	flag.BoolVar(&config.JSON, "json", false, "Output results in JSON format")
	flag.BoolVar(&config.ValidateOnly, "validate", false, "Validate the definition and exit")
	flag.BoolVar(&config.ShowHistory, "history", true, "Show the audit trail after the run (default: true)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `bizflow - Run YAML-defined business processes

Usage: %s [options] -file <process.yaml>

Examples:
  # Validate a process definition
  %s -file onboarding.yaml -validate

  # Start and drive a process with variables
  %s -file onboarding.yaml -var employee=jane -var department=finance

  # Persist instances and audit trail to SQLite
  %s -file onboarding.yaml -db processes.db -actor jane.doe

Options:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
		flag.PrintDefaults()

		fmt.Fprintf(os.Stderr, `
Node Types:
  start     - Entry point of the process (exactly one required)
  task      - Human or system work item
  approval  - Approval step (first connection is always taken)
  service   - External service invocation
  gateway   - Branch point (first connection is always taken)
  timer     - Scheduled delay
  email     - Notification step
  end       - Terminates the process

Variable Format:
  Use -var key=value for each process variable.
  Values are parsed as JSON if possible, otherwise as strings.

`)
	}

	flag.Parse()

	for _, v := range varFlags {
		parts := strings.SplitN(v, "=", 2)
		if len(parts) != 2 {
			fmt.Fprintf(os.Stderr, "Error: invalid variable format '%s'. Use key=value\n", v)
			os.Exit(1)
		}

		key, value := parts[0], parts[1]

		// Try to parse as JSON, fallback to string
		var parsedValue interface{}
		if err := json.Unmarshal([]byte(value), &parsedValue); err != nil {
			parsedValue = value
		}

		config.Variables[key] = parsedValue
	}

	return config
}

// Custom flag type for handling multiple key=value values
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ", ")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func setupLogger(verbose bool) *slog.Logger {
	level := slog.LevelError
	if verbose {
		level = slog.LevelInfo
	}
	return bizflow.NewLogger(level)
}

func showResults(ctx context.Context, engine *bizflow.Engine, inst *bizflow.ProcessInstance, err error, duration time.Duration, config *Config) {
	color.White("\nRun finished in %v", duration)
	color.White("Status: %s", inst.Status)
	color.White("Current step: %s", inst.CurrentStep)

	if err != nil {
		color.Red("Error: %v", err)
	} else {
		color.Green("Process completed!")
	}

	if config.JSON {
		instBytes, merr := json.MarshalIndent(inst, "", "  ")
		if merr == nil {
			fmt.Println(string(instBytes))
		}
	} else if len(inst.Variables) > 0 {
		fmt.Printf("\n")
		color.Magenta("Variables:")
		for key, value := range inst.Variables {
			if valueBytes, merr := json.Marshal(value); merr == nil {
				fmt.Printf("  %s: %s\n", key, string(valueBytes))
			} else {
				fmt.Printf("  %s: %v\n", key, value)
			}
		}
	}

	if config.ShowHistory {
		showHistory(ctx, engine, inst.ID, config)
	}

	if err != nil {
		os.Exit(1)
	}
}

func showHistory(ctx context.Context, engine *bizflow.Engine, instanceID string, config *Config) {
	history, err := engine.GetHistory(ctx, instanceID)
	if err != nil {
		color.Red("Failed to read history: %v", err)
		return
	}

	fmt.Printf("\n")
	color.Magenta("Audit trail:")
	if config.JSON {
		historyBytes, err := json.MarshalIndent(history, "", "  ")
		if err == nil {
			fmt.Println(string(historyBytes))
		}
		return
	}
	for _, entry := range history {
		step := ""
		if entry.NewState != nil && entry.NewState.CurrentStep != "" {
			step = " @ " + entry.NewState.CurrentStep
		}
		fmt.Printf("  %3d  %s  %-18s %s%s\n",
			entry.Seq,
			entry.Timestamp.Format(time.RFC3339),
			entry.Action,
			entry.Actor,
			step)
	}
}
