package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"
)

var (
	// Provision command flags
	provisionVersion string
	provisionTier    string

	// Upgrade command flags
	upgradeVersion    string
	upgradeSkipBackup bool

	// Shared flag for async commands
	waitForCompletion bool
)

// tenantSpec is the YAML shape accepted by provision -f
type tenantSpec struct {
	TenantID string `yaml:"tenant_id" json:"tenant_id"`
	Version  string `yaml:"version" json:"version"`
	Tier     string `yaml:"tier" json:"tier"`
}

// provisionCmd represents the provision command
var provisionCmd = &cobra.Command{
	Use:   "provision [TENANT_ID]",
	Short: "Provision a new tenant stack",
	Long: `Provision a new tenant stack. The tenant may be described inline with flags
or in a YAML file passed with -f.

Examples:
  stackplane-cli provision acme --stack-version 1.2.0 --tier standard
  stackplane-cli provision -f tenant.yaml --wait`,
	Args: cobra.MaximumNArgs(1),
	RunE: provisionTenant,
}

func provisionTenant(cmd *cobra.Command, args []string) error {
	filename, err := cmd.Flags().GetString("filename")
	if err != nil {
		return err
	}

	var spec tenantSpec
	switch {
	case filename != "":
		data, err := os.ReadFile(filename)
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return fmt.Errorf("failed to parse %s: %v", filename, err)
		}
	case len(args) == 1:
		spec = tenantSpec{TenantID: args[0], Version: provisionVersion, Tier: provisionTier}
	default:
		return fmt.Errorf("either a TENANT_ID argument or -f FILENAME is required")
	}

	body, err := json.Marshal(spec)
	if err != nil {
		return err
	}

	client := NewHTTPClient()
	rsp, location, err := client.DoRequest(RequestOptions{
		Method: http.MethodPost,
		Path:   "tenants",
		Body:   body,
	})
	if err != nil {
		return err
	}
	return reportOperation(client, rsp, location, "Provisioning accepted for "+spec.TenantID)
}

// getCmd represents the get command
var getCmd = &cobra.Command{
	Use:   "get TENANT_ID",
	Short: "Show a tenant stack's state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewHTTPClient()
		body, _, err := client.DoRequest(RequestOptions{
			Method: http.MethodGet,
			Path:   "tenants/" + args[0],
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			printRawJSON(body)
			return nil
		}
		printTenantPretty(body)
		return nil
	},
}

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health TENANT_ID",
	Short: "Probe a tenant stack and report the composite verdict",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewHTTPClient()
		body, _, err := client.DoRequest(RequestOptions{
			Method: http.MethodGet,
			Path:   "tenants/" + args[0] + "/health",
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			printRawJSON(body)
			return nil
		}
		fmt.Printf("Verdict: %s\n", gjson.GetBytes(body, "verdict").String())
		gjson.GetBytes(body, "services").ForEach(func(_, svc gjson.Result) bool {
			status := "reachable"
			if !svc.Get("reachable").Bool() {
				status = "unreachable: " + svc.Get("error").String()
			}
			fmt.Printf("  %-12s %s\n", svc.Get("service").String(), status)
			return true
		})
		return nil
	},
}

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start TENANT_ID",
	Short: "Start a stopped tenant stack",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTenantAction(args[0], "start", "Start accepted for "+args[0])
	},
}

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop TENANT_ID",
	Short: "Stop a running tenant stack",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTenantAction(args[0], "stop", "Stop accepted for "+args[0])
	},
}

// upgradeCmd represents the upgrade command
var upgradeCmd = &cobra.Command{
	Use:   "upgrade TENANT_ID --stack-version VERSION",
	Short: "Upgrade a tenant stack to a new template version",
	Long: `Upgrade a tenant stack to a new template version. A pre-upgrade backup is
taken first unless --skip-backup is set; a failed upgrade rolls the stack
back to that backup.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := json.Marshal(map[string]any{
			"version":      upgradeVersion,
			"backup_first": !upgradeSkipBackup,
		})
		if err != nil {
			return err
		}
		client := NewHTTPClient()
		rsp, location, err := client.DoRequest(RequestOptions{
			Method: http.MethodPost,
			Path:   "tenants/" + args[0] + "/upgrade",
			Body:   body,
		})
		if err != nil {
			return err
		}
		return reportOperation(client, rsp, location,
			fmt.Sprintf("Upgrade of %s to %s accepted", args[0], upgradeVersion))
	},
}

// decommissionCmd represents the decommission command
var decommissionCmd = &cobra.Command{
	Use:   "decommission TENANT_ID",
	Short: "Permanently tear down a tenant stack",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTenantAction(args[0], "decommission", "Decommission accepted for "+args[0])
	},
}

// runTenantAction posts a body-less lifecycle action for a tenant.
func runTenantAction(tenantID, action, message string) error {
	client := NewHTTPClient()
	rsp, location, err := client.DoRequest(RequestOptions{
		Method: http.MethodPost,
		Path:   "tenants/" + tenantID + "/" + action,
	})
	if err != nil {
		return err
	}
	return reportOperation(client, rsp, location, message)
}

// reportOperation prints the accepted operation, optionally waiting for it to
// finish when --wait is set.
func reportOperation(client *HTTPClient, rsp []byte, location, message string) error {
	if waitForCompletion {
		final, err := client.WaitForOperation(location, 10*time.Minute)
		if err != nil {
			return err
		}
		if jsonOutput {
			printRawJSON(final)
		} else {
			fmt.Printf("Operation %s succeeded\n", gjson.GetBytes(final, "id").String())
		}
		return nil
	}
	if jsonOutput {
		printRawJSON(rsp)
		return nil
	}
	fmt.Println(message)
	fmt.Printf("Operation: %s\n", gjson.GetBytes(rsp, "id").String())
	if location != "" {
		fmt.Printf("Location: %s\n", location)
	}
	return nil
}

// printTenantPretty prints the tenant document in a human-readable format
func printTenantPretty(body []byte) {
	fmt.Printf("Tenant: %s\n", gjson.GetBytes(body, "tenant_id").String())
	fmt.Printf("State: %s\n", gjson.GetBytes(body, "state").String())
	fmt.Printf("Version: %s\n", gjson.GetBytes(body, "current_version").String())
	fmt.Printf("Tier: %s\n", gjson.GetBytes(body, "tier").String())
	if gjson.GetBytes(body, "degraded").Bool() {
		fmt.Println("Degraded: true")
	}
	if services := gjson.GetBytes(body, "service_names"); services.Exists() {
		fmt.Println("Services:")
		services.ForEach(func(_, svc gjson.Result) bool {
			fmt.Printf("  %s\n", svc.String())
			return true
		})
	}
	if last := gjson.GetBytes(body, "last_operation"); last.Exists() && last.Get("kind").String() != "" {
		fmt.Printf("Last Operation: %s (%s)\n", last.Get("kind").String(), last.Get("outcome").String())
	}
}

// printRawJSON re-indents a server response for display
func printRawJSON(body []byte) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		fmt.Println(string(body))
		return
	}
	printJSON(v)
}

func init() {
	provisionCmd.Flags().StringP("filename", "f", "", "YAML file describing the tenant")
	provisionCmd.Flags().StringVar(&provisionVersion, "stack-version", "", "Stack template version")
	provisionCmd.Flags().StringVar(&provisionTier, "tier", "basic", "Resource tier")
	provisionCmd.Flags().BoolVar(&waitForCompletion, "wait", false, "Wait for the operation to finish")

	upgradeCmd.Flags().StringVar(&upgradeVersion, "stack-version", "", "Target stack template version")
	upgradeCmd.MarkFlagRequired("stack-version")
	upgradeCmd.Flags().BoolVar(&upgradeSkipBackup, "skip-backup", false, "Skip the pre-upgrade backup")
	upgradeCmd.Flags().BoolVar(&waitForCompletion, "wait", false, "Wait for the operation to finish")

	for _, cmd := range []*cobra.Command{startCmd, stopCmd, decommissionCmd} {
		cmd.Flags().BoolVar(&waitForCompletion, "wait", false, "Wait for the operation to finish")
	}

	rootCmd.AddCommand(provisionCmd, getCmd, healthCmd, startCmd, stopCmd, upgradeCmd, decommissionCmd)
}
