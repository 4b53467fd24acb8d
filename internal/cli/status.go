package cli

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/spf13/cobra"
)

// NewStatusCmd создаёт команду просмотра состояния работающего сервиса.
func NewStatusCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show readiness and consumer bindings of a running service",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			status, err := client.Status()
			if err != nil {
				return err
			}

			queues := make([]string, 0, len(status.Bindings))
			for q := range status.Bindings {
				queues = append(queues, q)
			}
			sort.Strings(queues)

			rows := make([][]string, 0, len(queues))
			for _, q := range queues {
				rows = append(rows, []string{
					status.Service,
					strconv.FormatBool(status.Ready),
					strconv.FormatBool(status.ConnectionUp),
					q,
					status.Bindings[q],
				})
			}

			out.Print([]string{"SERVICE", "READY", "CONNECTION", "QUEUE", "STATE"}, rows, status)

			if !status.Ready {
				return fmt.Errorf("service %s is not ready", status.Service)
			}
			return nil
		},
	}
}

// NewPublishCmd создаёт команду публикации сообщения через сервис.
func NewPublishCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "publish <queue> [body]",
		Short: "Publish a message to an outbound queue of a running service",
		Long: "Publish a message body to one of the service's outbound queues.\n" +
			"The body is taken from the argument, from --file, or from stdin with --file -.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			body, err := readBody(args[1:], file, cmd.InOrStdin())
			if err != nil {
				return err
			}

			res, err := client.Publish(args[0], body)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Published %d bytes to %s", res.Bytes, res.Queue))
			out.Print([]string{"QUEUE", "BYTES"}, [][]string{{res.Queue, strconv.Itoa(res.Bytes)}}, res)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to message body (- for stdin)")

	return cmd
}

// NewTeamCheckCmd создаёт команду запроса проверки team id.
func NewTeamCheckCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "team-check <team-id>",
		Short: "Ask the team service whether a team exists (organization service only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid team id %q", args[0])
			}

			res, err := client.CheckTeam(id)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Team check for %d sent to %s", id, res.Queue))
			return nil
		},
	}
}

func readBody(args []string, file string, stdin io.Reader) ([]byte, error) {
	switch {
	case len(args) > 0 && file != "":
		return nil, fmt.Errorf("body argument and --file are mutually exclusive")
	case len(args) > 0:
		return []byte(args[0]), nil
	case file == "-":
		return io.ReadAll(stdin)
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read body file: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("message body is required")
	}
}
