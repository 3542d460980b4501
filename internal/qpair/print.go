package qpair

import (
	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
)

func (q *QueuePair) printCommand(cmd *nvme.Command) {
	q.logger.PrintCommand(q.id, cmd)
}

func (q *QueuePair) printCompletion(cpl *nvme.Completion) {
	q.logger.PrintCompletion(cpl)
}
