package proxyprint

import (
	"context"
	"encoding/json"
	"fmt"

	"ippproxy/internal/model"
	"ippproxy/internal/printercache"
)

// holdTicket generates every chunk and stores them as a pending ticket
// instead of submitting them.
func (s *Service) holdTicket(ctx context.Context, req Request, printer *printercache.Printer, chunks []Chunk, baseID int64, cost int64) (int64, error) {
	jobs := make([]printJob, 0, len(chunks))
	for i, c := range chunks {
		pj, err := s.buildPrintJob(ctx, req, printer, c, baseID, i+1)
		if err != nil {
			for _, done := range jobs {
				_ = s.Files.Remove(done.Path)
			}
			return 0, err
		}
		jobs = append(jobs, pj)
	}
	payload, err := json.Marshal(jobs)
	if err != nil {
		return 0, err
	}
	t, err := s.Store.CreateJobTicket(ctx, model.JobTicket{
		Username: req.Username,
		Printer:  printer.Name,
		Payload:  string(payload),
		Cost:     cost,
	})
	if err != nil {
		return 0, err
	}
	if s.Logger != nil {
		s.Logger.Info("job ticket created", "ticket", t.ID, "user", req.Username, "printer", printer.Name, "chunks", len(jobs))
	}
	return t.ID, nil
}

// ReleaseTicket submits the chunks held by a pending ticket in order. The
// ticket is claimed first so it prints at most once, then ends released when
// every chunk printed and failed otherwise. Its cost was reserved when it
// was held; a failed release refunds the chunks that did not print.
func (s *Service) ReleaseTicket(ctx context.Context, id int64) ([]model.PrintOut, error) {
	t, err := s.Store.GetJobTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.State != model.TicketPending {
		return nil, fmt.Errorf("%w: ticket %d is %s", ErrTicketState, id, t.State)
	}
	claimed, err := s.Store.ClaimJobTicket(ctx, id, model.TicketPending, model.TicketReleasing)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, fmt.Errorf("%w: ticket %d is already being released", ErrTicketState, id)
	}

	var jobs []printJob
	if err := json.Unmarshal([]byte(t.Payload), &jobs); err != nil {
		s.setTicketState(ctx, id, model.TicketFailed)
		s.refund(ctx, t.Username, t.Cost)
		return nil, fmt.Errorf("ticket %d payload: %w", id, err)
	}
	if _, err := s.printer(ctx, t.Printer); err != nil {
		// Nothing was submitted; the ticket can be released later.
		s.setTicketState(ctx, id, model.TicketPending)
		return nil, err
	}

	var out []model.PrintOut
	for i, pj := range jobs {
		po, err := s.submit(ctx, pj, t.ID)
		if err != nil {
			s.setTicketState(ctx, id, model.TicketFailed)
			s.refund(ctx, t.Username, jobCost(jobs[i:]))
			return out, fmt.Errorf("ticket %d chunk %d: %w", id, i+1, err)
		}
		_ = s.Files.Remove(pj.Path)
		out = append(out, po)
	}
	if err := s.Store.UpdateJobTicketState(ctx, id, model.TicketReleased); err != nil {
		return out, err
	}
	return out, nil
}

func (s *Service) setTicketState(ctx context.Context, id int64, state string) {
	if err := s.Store.UpdateJobTicketState(ctx, id, state); err != nil && s.Logger != nil {
		s.Logger.Error("update ticket state", "ticket", id, "state", state, "err", err)
	}
}

func jobCost(jobs []printJob) int64 {
	var total int64
	for _, pj := range jobs {
		total += pj.Cost
	}
	return total
}
