package httpapi

import (
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/bothost/internal/supervisor"
)

// RunStarted is the first event of a run stream.
type RunStarted struct {
	RunID     string    `json:"run_id"`
	Slot      int       `json:"slot"`
	PID       int       `json:"pid"`
	EntryFile string    `json:"entry_file"`
	StartedAt time.Time `json:"started_at"`
}

// OutputEvent carries one batch of console lines.
type OutputEvent struct {
	Lines []string `json:"lines"`
}

// streamBuffer is how many output batches may queue behind a slow client.
const streamBuffer = 64

// handleRun handles POST /v1/slots/{slot}/run. It streams "start", then
// "output" batches, then one "exit" event. A client that disconnects
// leaves the process running.
func (g *Gateway) handleRun(c *okapi.Context) error {
	slot, err := ParseSlot(c.Param("slot"), false)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	batches := make(chan []string, streamBuffer)
	sink := supervisor.OutputSinkFunc(func(lines []string) {
		select {
		case batches <- lines:
		default:
		}
	})

	run, err := g.svc.Run(c.Context(), c.GetString("userID"), slot, sink)
	if err != nil {
		return g.fail(c, err, nil)
	}

	c.SSEvent("start", RunStarted{
		RunID:     run.ID.String(),
		Slot:      run.Slot,
		PID:       run.PID,
		EntryFile: run.EntryFile,
		StartedAt: run.StartedAt,
	})

	for {
		select {
		case lines := <-batches:
			c.SSEvent("output", OutputEvent{Lines: lines})
		case <-run.Done():
			for {
				select {
				case lines := <-batches:
					c.SSEvent("output", OutputEvent{Lines: lines})
				default:
					c.SSEvent("exit", run.Exit())
					return nil
				}
			}
		case <-c.Context().Done():
			return nil
		}
	}
}
