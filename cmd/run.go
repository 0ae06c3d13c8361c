package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/auto-applier/internal/api"
	"github.com/spigell/auto-applier/internal/filtering"
	"github.com/spigell/auto-applier/internal/logger"
	"github.com/spigell/auto-applier/internal/secrets"
)

const (
	PromptYes = "Yes"
	PromptNo  = "No"
)

var prompt = promptui.Select{
	Label: "Submit applications on behalf of candidates?",
	Items: []string{PromptYes, PromptNo},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one auto-application batch and print its result as JSON",
	Run: func(cmd *cobra.Command, _ []string) {
		os.Exit(run(cmd))
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolP("auto-approve", "y", false, "do not ask for confirmation before submitting applications")
	runCmd.Flags().Bool("dry-run", false, "evaluate candidates and log would-be applications without writing anything")
	runCmd.Flags().Bool("ignore-exclude-file", false, "do not drop matches listed in the exclude file")
	runCmd.Flags().StringP("exclude-file", "e", "", "file with job posting ids that never receive automatic applications. Default is unset.")

	viper.BindPFlag("exclude-file", runCmd.Flags().Lookup("exclude-file"))
}

// run executes one batch and returns the process exit code.
func run(cmd *cobra.Command) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}
	defer logger.Sync()

	config, err := getConfig()
	if err != nil {
		logger.Error("getting a config", zap.Error(err))
		return printResult(api.NewRunResponse(nil, fmt.Errorf("invalid configuration: %w", err)))
	}

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	logger.Info("starting the auto-applier", zap.String("version", version), zap.Bool("dry_run", dryRun))

	// do not bother error since there is a valid parseable config
	pretty, _ := json.MarshalIndent(redacted(config), "", "  ")
	logger.Debug(fmt.Sprintf("starting with config: \n %s", pretty))

	autoApprove, _ := cmd.Flags().GetBool("auto-approve")
	if !autoApprove && !dryRun {
		_, action, err := prompt.Run()
		if err != nil {
			logger.Error("exiting", zap.Error(err))
			return 1
		}
		if action != PromptYes {
			logger.Info("exiting", zap.String("reason", "got no from prompt"))
			return 0
		}
	}

	db, err := openStore(ctx, config)
	if err != nil {
		logger.Error("connecting to the database", zap.Error(err))
		return printResult(api.NewRunResponse(nil, err))
	}
	defer db.Close()

	opts := engineOptions{dryRun: dryRun, disabled: map[string]string{}}
	if ignore, _ := cmd.Flags().GetBool("ignore-exclude-file"); ignore {
		opts.disabled[filtering.ExcludeFileFilterName] = "ignore-exclude-file flag"
	}

	engine, err := newEngine(ctx, config, db, logger, opts)
	if err != nil {
		logger.Error("preparing the engine", zap.Error(err))
		return printResult(api.NewRunResponse(nil, err))
	}

	res, err := engine.Run(ctx)
	if err != nil {
		logger.Error("auto-application run failed", zap.Error(err))
	}

	return printResult(api.NewRunResponse(res, err))
}

// printResult writes the trigger document to stdout and maps it to an exit code.
func printResult(resp api.RunResponse) int {
	out, _ := json.Marshal(resp)
	fmt.Println(string(out))

	if !resp.Success {
		return 1
	}
	return 0
}

// redacted returns a copy of the config without secrets for debug output.
func redacted(config *Config) Config {
	c := *config
	c.DatabaseURL = secrets.RedactDSN(c.DatabaseURL)
	if c.AI != nil && c.AI.Gemini != nil && c.AI.Gemini.APIKey != "" {
		ai := *c.AI
		g := *ai.Gemini
		g.APIKey = "***"
		ai.Gemini = &g
		c.AI = &ai
	}
	return c
}
