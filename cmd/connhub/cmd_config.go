package main

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/connhub/internal/config"
	"github.com/user/connhub/internal/status"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd, configValidateCmd)
}

// keyValidators checks raw values before they reach the config file.
// Keys without an entry accept any string.
var keyValidators = map[string]func(string) error{
	"log_level":                validLogLevel,
	"backend.base_url":         validBaseURL,
	"backend.timeout":          validDuration(true),
	"backend.max_concurrent":   validCount(0),
	"backend.send_auth_header": validBool,
	"status.poll_schedule":     status.ValidateSchedule,
	"status.retry_attempts":    validCount(1),
	"session.poll_interval":    validDuration(false),
	"metrics.listen":           validListen,
	"devserver.listen":         validListen,
}

func validLogLevel(v string) error {
	switch strings.ToLower(v) {
	case "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("log level must be debug, info, warn or error, got %q", v)
}

func validBaseURL(v string) error {
	u, err := url.Parse(v)
	if err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("base url must be an absolute http(s) url, got %q", v)
	}
	return nil
}

func validDuration(allowEmpty bool) func(string) error {
	return func(v string) error {
		if v == "" && allowEmpty {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("duration must be positive, got %s", d)
		}
		return nil
	}
}

func validCount(min int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("expected an integer, got %q", v)
		}
		if n < min {
			return fmt.Errorf("must be at least %d, got %d", min, n)
		}
		return nil
	}
}

func validBool(v string) error {
	if _, err := strconv.ParseBool(v); err != nil {
		return fmt.Errorf("expected true or false, got %q", v)
	}
	return nil
}

func validListen(v string) error {
	if v == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(v); err != nil {
		return fmt.Errorf("invalid listen address: %w", err)
	}
	return nil
}

// knownKeys lists every key the Config struct defines.
func knownKeys() map[string]bool {
	values, err := config.ListValues(&config.Config{}, false)
	if err != nil {
		return nil
	}
	keys := make(map[string]bool, len(values))
	for k := range values {
		keys[k] = true
	}
	return keys
}

func validateValue(key, raw string) error {
	if !knownKeys()[key] {
		return fmt.Errorf("unknown config key %q", key)
	}
	if check, ok := keyValidators[key]; ok {
		if err := check(raw); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

// rawString renders a decoded config value the way it would be typed
// on the command line.
func rawString(v any) string {
	if f, ok := v.(float64); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// printValues writes key = value lines on a terminal and a JSON object
// when piped.
func printValues(values map[string]any) error {
	if !stdoutIsTerminal() {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(values)
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 1, ' ', 0)
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t= %v\n", k, values[k])
	}
	return w.Flush()
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all configuration values, secrets masked",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		values, err := config.ListValues(loadConfig(), true)
		if err != nil {
			return fmt.Errorf("list config: %w", err)
		}
		return printValues(values)
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		val, err := config.GetValue(cfgPath, args[0])
		if err != nil {
			return err
		}
		if config.IsSecretKey(args[0]) {
			val = config.MaskSecrets(map[string]any{args[0]: val})[args[0]]
		}
		fmt.Fprintln(os.Stdout, val)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value after checking it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, raw := args[0], args[1]
		if err := validateValue(key, raw); err != nil {
			return err
		}
		// Creates the file with defaults on first use.
		if _, err := config.Load(cfgPath); err != nil {
			return err
		}
		if err := config.SetValue(cfgPath, key, raw); err != nil {
			return err
		}
		if config.IsSecretKey(key) {
			raw = "***"
		}
		fmt.Fprintf(os.Stdout, "%s = %s\n", key, raw)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check every configuration value",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		values, err := config.ListValues(loadConfig(), false)
		if err != nil {
			return fmt.Errorf("list config: %w", err)
		}
		var problems []string
		for key, check := range keyValidators {
			v, ok := values[key]
			if !ok {
				continue
			}
			if err := check(rawString(v)); err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", key, err))
			}
		}
		if len(problems) > 0 {
			sort.Strings(problems)
			return fmt.Errorf("invalid configuration in %s:\n  %s", cfgPath, strings.Join(problems, "\n  "))
		}
		fmt.Fprintf(os.Stdout, "%s is valid.\n", cfgPath)
		return nil
	},
}
