package commands

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/fivetwenty-io/secapi/pkg/secapi"
)

type serviceInfo struct {
	ID              string `json:"id"                          yaml:"id"`
	Description     string `json:"description"                 yaml:"description"`
	PathPrefix      string `json:"path_prefix"                 yaml:"path_prefix"`
	Authenticated   bool   `json:"authenticated"               yaml:"authenticated"`
	Sandbox         bool   `json:"sandbox"                     yaml:"sandbox"`
	Pagination      string `json:"pagination"                  yaml:"pagination"`
	PageSizeParam   string `json:"page_size_param,omitempty"   yaml:"page_size_param,omitempty"`
	DefaultPageSize int    `json:"default_page_size,omitempty" yaml:"default_page_size,omitempty"`
	MaxPageSize     int    `json:"max_page_size,omitempty"     yaml:"max_page_size,omitempty"`
}

func newServicesCommand(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "services",
		Short: "List the sub-APIs known to the client",
		Long:  "List every sub-API with its path prefix, authentication mode and pagination style",
		RunE: func(cmd *cobra.Command, args []string) error {
			services := secapi.DefaultServices().All()

			infos := make([]serviceInfo, 0, len(services))
			for _, svc := range services {
				infos = append(infos, serviceInfo{
					ID:              svc.ID,
					Description:     svc.Description,
					PathPrefix:      svc.PathPrefix,
					Authenticated:   svc.Authenticated,
					Sandbox:         svc.Sandbox,
					Pagination:      svc.Pagination.String(),
					PageSizeParam:   svc.PageSizeParam,
					DefaultPageSize: svc.DefaultPageSize,
					MaxPageSize:     svc.MaxPageSize,
				})
			}

			return render(cmd.OutOrStdout(), app.output(), infos, func(w io.Writer) error {
				table := tablewriter.NewWriter(w)
				table.Header("ID", "Prefix", "Auth", "Pagination", "Size Param", "Default", "Max")

				for _, info := range infos {
					auth := "bearer"
					if info.Sandbox {
						auth = "api_token"
					}

					_ = table.Append(info.ID, info.PathPrefix, auth, info.Pagination,
						info.PageSizeParam, sizeOrDash(info.DefaultPageSize), sizeOrDash(info.MaxPageSize))
				}

				err := table.Render()
				if err != nil {
					return fmt.Errorf("failed to render table: %w", err)
				}

				return nil
			})
		},
	}
}

func sizeOrDash(size int) string {
	if size == 0 {
		return "-"
	}

	return strconv.Itoa(size)
}
