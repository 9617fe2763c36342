package cli

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

// operationCmd represents the operation command
var operationCmd = &cobra.Command{
	Use:   "operation OPERATION_ID",
	Short: "Show the status of an asynchronous operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewHTTPClient()
		rsp, _, err := client.DoRequest(RequestOptions{
			Method: http.MethodGet,
			Path:   "operations/" + args[0],
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			printRawJSON(rsp)
			return nil
		}
		fmt.Printf("Operation: %s\n", gjson.GetBytes(rsp, "id").String())
		fmt.Printf("Tenant: %s\n", gjson.GetBytes(rsp, "tenant_id").String())
		fmt.Printf("Kind: %s\n", gjson.GetBytes(rsp, "kind").String())
		fmt.Printf("Status: %s\n", gjson.GetBytes(rsp, "status").String())
		if detail := gjson.GetBytes(rsp, "error_detail").String(); detail != "" {
			fmt.Printf("Error: %s\n", detail)
		}
		return nil
	},
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the server and CLI versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewHTTPClient()
		rsp, _, err := client.DoRequest(RequestOptions{
			Method: http.MethodGet,
			Path:   "version",
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			printRawJSON(rsp)
			return nil
		}
		fmt.Printf("Server Version: %s\n", gjson.GetBytes(rsp, "version").String())
		fmt.Printf("Config Version: %s\n", gjson.GetBytes(rsp, "config_version").String())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(operationCmd, versionCmd)
}
