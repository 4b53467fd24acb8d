package cli

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/shaiso/Teamhub/internal/mq"
	"github.com/shaiso/Teamhub/internal/services"
)

// TopologyRow — одна очередь в выводе topology.
type TopologyRow struct {
	Service   string `json:"service"`
	Queue     string `json:"queue"`
	Direction string `json:"direction"`
	Durable   bool   `json:"durable"`
	DLQ       string `json:"dlq,omitempty"`
	Producer  string `json:"producer,omitempty"`
	Consumer  string `json:"consumer,omitempty"`
}

// NewTopologyCmd создаёт команду вывода топологии сервисов.
// Брокер не нужен: топология фиксирована в каталоге.
func NewTopologyCmd(outputFn func() *Output) *cobra.Command {
	var tree bool

	cmd := &cobra.Command{
		Use:   "topology [service]",
		Short: "Print the queue topology of one or all services",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			names := services.Names()
			if len(args) == 1 {
				names = args[:1]
			}

			var rows []TopologyRow
			for _, name := range names {
				def, err := services.Lookup(name)
				if err != nil {
					return err
				}
				rows = append(rows, topologyRows(def)...)
				if tree {
					out.Text(mq.TopologyInfo(def.Name, def.Queues))
				}
			}
			if tree {
				return nil
			}

			if out.jsonMode {
				out.JSON(rows)
				return nil
			}

			table := make([][]string, len(rows))
			for i, r := range rows {
				table[i] = []string{r.Service, r.Queue, r.Direction, strconv.FormatBool(r.Durable), r.Producer, r.Consumer}
			}
			out.Table([]string{"SERVICE", "QUEUE", "DIRECTION", "DURABLE", "PRODUCER", "CONSUMER"}, table)
			return nil
		},
	}

	cmd.Flags().BoolVar(&tree, "tree", false, "Print queues as a tree with dead-letter queues")

	return cmd
}

func topologyRows(def services.Definition) []TopologyRow {
	rows := make([]TopologyRow, 0, len(def.Queues))
	for _, q := range def.Queues {
		producer, consumer := services.Owners(q.Name)
		row := TopologyRow{
			Service:   def.Name,
			Queue:     q.Name,
			Direction: q.Direction.String(),
			Durable:   q.Durable,
			Producer:  producer,
			Consumer:  consumer,
		}
		if q.Direction == mq.Inbound {
			row.DLQ = mq.DeadLetterQueue(q.Name)
		}
		rows = append(rows, row)
	}
	return rows
}
