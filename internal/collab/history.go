package collab

import (
	"context"
	"fmt"

	"github.com/ottopad/ottopad/internal/apool"
	"github.com/ottopad/ottopad/internal/changeset"
	"github.com/ottopad/ottopad/internal/pad"
)

// handleChangesetRequest serves the timeslider: granularity-bucketed
// composed deltas going forward and their inverses going backward, all
// re-encoded against one shared wire pool.
func (c *Coordinator) handleChangesetRequest(ctx context.Context, s *Session, req changesetRequest) {
	if s.State() != StateActive {
		return
	}
	if req.Granularity <= 0 || req.Start < 0 {
		c.logger.Printf("session %d: bad changeset request granularity=%d start=%d", s.ID(), req.Granularity, req.Start)
		return
	}
	p, err := c.pads.GetIfExists(ctx, s.PadID())
	if err != nil {
		c.logger.Printf("session %d: loading pad %s: %v", s.ID(), s.PadID(), err)
		return
	}
	end := req.Start + 100*req.Granularity
	info, err := c.changesetInfo(ctx, p, req.Start, end, req.Granularity)
	if err != nil {
		c.logger.Printf("session %d: changeset request on %s: %v", s.ID(), p.ID, err)
		return
	}
	info.RequestID = req.RequestID
	if err := s.send(serverMessage{Type: "CHANGESET_REQ", Data: info}); err != nil {
		c.logger.Printf("session %d: send failed: %v", s.ID(), err)
	}
}

func (c *Coordinator) changesetInfo(ctx context.Context, p *pad.Pad, start, end, granularity int) (changesetInfo, error) {
	if end > p.Head()+1 {
		end = p.Head() + 1
	}
	info := changesetInfo{
		Type:                "CHANGESET_REQ",
		Granularity:         granularity,
		Start:               start,
		ForwardsChangesets:  []string{},
		BackwardsChangesets: []string{},
		TimeDeltas:          []float64{},
		Apool:               apool.New(),
	}
	compositeStart := start
	for compositeStart < end {
		compositeEnd := compositeStart + granularity
		if compositeEnd > end {
			break
		}
		forward, err := c.composePadChangesets(ctx, p, compositeStart, compositeEnd)
		if err != nil {
			return changesetInfo{}, err
		}
		// the composed bucket transforms the state just before its
		// first revision
		atext := changeset.MakeAText("\n")
		if compositeStart > 0 {
			atext, err = p.GetInternalRevisionAText(ctx, compositeStart-1)
			if err != nil {
				return changesetInfo{}, err
			}
		}
		backward, err := changeset.Inverse(forward, atext, p.Pool())
		if err != nil {
			return changesetInfo{}, err
		}
		wireForward, err := changeset.MoveOpsToNewPool(forward, p.Pool(), info.Apool)
		if err != nil {
			return changesetInfo{}, err
		}
		wireBackward, err := changeset.MoveOpsToNewPool(backward, p.Pool(), info.Apool)
		if err != nil {
			return changesetInfo{}, err
		}

		fromTime, err := p.GetRevisionDate(ctx, max(compositeStart-1, 0))
		if err != nil {
			return changesetInfo{}, err
		}
		toTime, err := p.GetRevisionDate(ctx, compositeEnd-1)
		if err != nil {
			return changesetInfo{}, err
		}

		info.ForwardsChangesets = append(info.ForwardsChangesets, wireForward)
		info.BackwardsChangesets = append(info.BackwardsChangesets, wireBackward)
		info.TimeDeltas = append(info.TimeDeltas, float64(toTime-fromTime)/1000)
		compositeStart = compositeEnd
	}
	info.ActualEndNum = compositeStart
	return info, nil
}

// composePadChangesets folds revisions start..end-1 into one changeset.
func (c *Coordinator) composePadChangesets(ctx context.Context, p *pad.Pad, start, end int) (string, error) {
	if start >= end {
		return "", fmt.Errorf("empty revision range %d..%d", start, end)
	}
	cs, err := p.GetRevisionChangeset(ctx, start)
	if err != nil {
		return "", err
	}
	for r := start + 1; r < end; r++ {
		next, err := p.GetRevisionChangeset(ctx, r)
		if err != nil {
			return "", err
		}
		cs, err = changeset.Compose(cs, next, p.Pool())
		if err != nil {
			return "", err
		}
	}
	return cs, nil
}
