package server

import (
	"errors"
	"strings"
	"time"

	goipp "github.com/OpenPrinting/goipp"

	"ippproxy/internal/model"
	"ippproxy/internal/store"
)

const maxUserData = 63

// subscriptionRequest is one subscription template group of a
// Create-*-Subscriptions request.
type subscriptionRequest struct {
	events    string
	lease     int64
	recipient string
	pull      string
	interval  int64
	userData  []byte
}

func parseSubscriptionGroup(attrs goipp.Attributes) (subscriptionRequest, goipp.Status) {
	req := subscriptionRequest{
		events:    strings.Join(attrStrings(attrs, "notify-events"), ","),
		recipient: attrString(attrs, "notify-recipient-uri"),
		pull:      attrString(attrs, "notify-pull-method"),
		interval:  attrInt(attrs, "notify-time-interval"),
		lease:     defaultLease,
	}
	if req.events == "" {
		req.events = "job-completed"
	}
	if v, ok := attrIntPresent(attrs, "notify-lease-duration"); ok {
		req.lease = v
	}
	if req.lease < 0 || req.lease > maxLease {
		req.lease = maxLease
	}
	if a, ok := findAttr(attrs, "notify-user-data"); ok && len(a.Values) > 0 {
		switch v := a.Values[0].V.(type) {
		case goipp.Binary:
			req.userData = []byte(v)
		default:
			req.userData = []byte(v.String())
		}
		if len(req.userData) > maxUserData {
			return req, goipp.StatusErrorRequestValue
		}
	}
	if req.recipient != "" {
		return req, goipp.StatusErrorURIScheme
	}
	if req.pull != "" && req.pull != "ippget" {
		return req, goipp.StatusErrorAttributesOrValues
	}
	return req, goipp.StatusOk
}

func (s *Server) decodeCreateSubscriptions(x *exchange) result {
	for _, g := range x.req.Groups {
		if g.Tag == goipp.TagSubscriptionGroup {
			return result{}
		}
	}
	return fail(goipp.StatusErrorBadRequest, "no subscription template groups")
}

func (s *Server) createPrinterSubscriptions(x *exchange) result {
	return s.createSubscriptions(x, &x.queue.ID, nil)
}

func (s *Server) createJobSubscriptions(x *exchange) result {
	id, ok := attrIntPresent(x.req.Operation, "notify-job-id")
	if !ok {
		return fail(goipp.StatusErrorBadRequest, "notify-job-id required")
	}
	var job model.InboxJob
	err := s.Store.WithTx(x.ctx, true, func(tx *store.Tx) error {
		var err error
		job, err = s.Store.GetInboxJob(x.ctx, tx, id)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return fail(goipp.StatusErrorNotFound, "job %d not found", id)
	}
	if err != nil {
		return internalError(err)
	}
	if !canManage(x.user, job.Username) {
		return fail(goipp.StatusErrorNotAuthorized, "job %d belongs to another user", id)
	}
	return s.createSubscriptions(x, nil, &job.ID)
}

func (s *Server) createSubscriptions(x *exchange, queueID, jobID *int64) result {
	created := 0
	err := s.Store.WithTx(x.ctx, false, func(tx *store.Tx) error {
		for _, g := range x.req.Groups {
			if g.Tag != goipp.TagSubscriptionGroup {
				continue
			}
			req, status := parseSubscriptionGroup(g.Attrs)
			attrs := goipp.Attributes{}
			if status != goipp.StatusOk {
				attrs.Add(goipp.MakeAttribute("notify-status-code", goipp.TagEnum, goipp.Integer(status)))
				x.groups = append(x.groups, goipp.Group{Tag: goipp.TagSubscriptionGroup, Attrs: attrs})
				continue
			}
			if jobID != nil {
				req.lease = 0
			}
			sub, err := s.Store.CreateSubscription(x.ctx, tx, queueID, jobID, req.events, req.lease,
				x.user.Username, req.recipient, req.pull, req.interval, req.userData)
			if err != nil {
				return err
			}
			created++
			attrs.Add(goipp.MakeAttribute("notify-subscription-id", goipp.TagInteger, goipp.Integer(sub.ID)))
			if req.lease != sub.LeaseSecs {
				attrs.Add(goipp.MakeAttribute("notify-lease-duration", goipp.TagInteger, goipp.Integer(sub.LeaseSecs)))
			}
			x.groups = append(x.groups, goipp.Group{Tag: goipp.TagSubscriptionGroup, Attrs: attrs})
		}
		return nil
	})
	if err != nil {
		return internalError(err)
	}
	if created == 0 {
		return result{status: goipp.StatusErrorIgnoredAllSubscriptions, message: "no subscription was created"}
	}
	s.Logger.Debug("subscriptions created", "queue", x.queue.Name, "user", x.user.Username, "count", created)
	return result{}
}

func canManage(u model.User, owner string) bool {
	return u.IsAdmin || strings.EqualFold(u.Username, owner)
}

func (s *Server) decodeSubscriptionID(x *exchange) result {
	if _, ok := attrIntPresent(x.req.Operation, "notify-subscription-id"); !ok {
		return fail(goipp.StatusErrorBadRequest, "notify-subscription-id required")
	}
	return result{}
}

// loadSubscription fetches the subscription named by the request and checks
// the caller may see it.
func (s *Server) loadSubscription(x *exchange, tx *store.Tx) (model.Subscription, result) {
	id := attrInt(x.req.Operation, "notify-subscription-id")
	sub, err := s.Store.GetSubscription(x.ctx, tx, id)
	if errors.Is(err, store.ErrNotFound) {
		return sub, fail(goipp.StatusErrorNotFound, "subscription %d not found", id)
	}
	if err != nil {
		return sub, internalError(err)
	}
	if !canManage(x.user, sub.Owner) {
		return sub, fail(goipp.StatusErrorNotAuthorized, "subscription %d belongs to another user", id)
	}
	return sub, result{}
}

func (s *Server) getSubscriptionAttributes(x *exchange) result {
	var res result
	err := s.Store.WithTx(x.ctx, true, func(tx *store.Tx) error {
		var sub model.Subscription
		sub, res = s.loadSubscription(x, tx)
		if !res.failed() {
			x.groups = append(x.groups, goipp.Group{Tag: goipp.TagSubscriptionGroup, Attrs: s.subscriptionAttrs(x, sub)})
		}
		return nil
	})
	if err != nil {
		return internalError(err)
	}
	return res
}

func (s *Server) getSubscriptions(x *exchange) result {
	var queueID, jobID *int64
	if id, ok := attrIntPresent(x.req.Operation, "notify-job-id"); ok {
		jobID = &id
	} else {
		queueID = &x.queue.ID
	}
	owner := ""
	if attrBool(x.req.Operation, "my-subscriptions") || !x.user.IsAdmin {
		owner = x.user.Username
	}
	limit := clampLimit(attrInt(x.req.Operation, "limit"), 0, 1000)
	var subs []model.Subscription
	err := s.Store.WithTx(x.ctx, true, func(tx *store.Tx) error {
		var err error
		subs, err = s.Store.ListSubscriptions(x.ctx, tx, queueID, jobID, owner, limit)
		return err
	})
	if err != nil {
		return internalError(err)
	}
	if len(subs) == 0 {
		return fail(goipp.StatusErrorNotFound, "no subscriptions")
	}
	for _, sub := range subs {
		x.groups = append(x.groups, goipp.Group{Tag: goipp.TagSubscriptionGroup, Attrs: s.subscriptionAttrs(x, sub)})
	}
	return result{}
}

func (s *Server) renewSubscription(x *exchange) result {
	var res result
	err := s.Store.WithTx(x.ctx, false, func(tx *store.Tx) error {
		var sub model.Subscription
		if sub, res = s.loadSubscription(x, tx); res.failed() {
			return nil
		}
		if sub.JobID.Valid {
			res = fail(goipp.StatusErrorNotPossible, "job subscriptions cannot be renewed")
			return nil
		}
		lease := int64(defaultLease)
		if v, ok := attrIntPresent(x.req.Operation, "notify-lease-duration"); ok {
			lease = v
		}
		if lease < 0 || lease > maxLease {
			lease = maxLease
		}
		sub, err := s.Store.UpdateSubscriptionLease(x.ctx, tx, sub.ID, lease)
		if err != nil {
			return err
		}
		x.opAttrs.Add(goipp.MakeAttribute("notify-lease-duration", goipp.TagInteger, goipp.Integer(sub.LeaseSecs)))
		return nil
	})
	if err != nil {
		return internalError(err)
	}
	return res
}

func (s *Server) cancelSubscription(x *exchange) result {
	var res result
	err := s.Store.WithTx(x.ctx, false, func(tx *store.Tx) error {
		var sub model.Subscription
		if sub, res = s.loadSubscription(x, tx); res.failed() {
			return nil
		}
		return s.Store.CancelSubscription(x.ctx, tx, sub.ID)
	})
	if errors.Is(err, store.ErrNotFound) {
		return fail(goipp.StatusErrorNotFound, "subscription not found")
	}
	if err != nil {
		return internalError(err)
	}
	return res
}

func (s *Server) subscriptionAttrs(x *exchange, sub model.Subscription) goipp.Attributes {
	attrs := goipp.Attributes{}
	attrs.Add(goipp.MakeAttribute("notify-subscription-id", goipp.TagInteger, goipp.Integer(sub.ID)))
	attrs.Add(goipp.MakeAttribute("notify-printer-uri", goipp.TagURI, goipp.String(s.printerURI(x.http, x.queue.Name))))
	if sub.JobID.Valid {
		attrs.Add(goipp.MakeAttribute("notify-job-id", goipp.TagInteger, goipp.Integer(sub.JobID.Int64)))
	}
	attrs.Add(strAttr("notify-events", goipp.TagKeyword, strings.Split(sub.Events, ",")...))
	attrs.Add(goipp.MakeAttribute("notify-lease-duration", goipp.TagInteger, goipp.Integer(sub.LeaseSecs)))
	if sub.LeaseSecs > 0 {
		expires := sub.CreatedAt.Add(time.Duration(sub.LeaseSecs) * time.Second)
		attrs.Add(goipp.MakeAttribute("notify-lease-expiration-time", goipp.TagInteger, goipp.Integer(expires.Unix())))
	}
	if sub.PullMethod != "" {
		attrs.Add(goipp.MakeAttribute("notify-pull-method", goipp.TagKeyword, goipp.String(sub.PullMethod)))
	}
	if sub.RecipientURI != "" {
		attrs.Add(goipp.MakeAttribute("notify-recipient-uri", goipp.TagURI, goipp.String(sub.RecipientURI)))
	}
	if sub.TimeInterval > 0 {
		attrs.Add(goipp.MakeAttribute("notify-time-interval", goipp.TagInteger, goipp.Integer(sub.TimeInterval)))
	}
	if len(sub.UserData) > 0 {
		attrs.Add(goipp.MakeAttribute("notify-user-data", goipp.TagString, goipp.Binary(sub.UserData)))
	}
	attrs.Add(goipp.MakeAttribute("notify-subscriber-user-name", goipp.TagName, goipp.String(sub.Owner)))
	attrs.Add(goipp.MakeAttribute("notify-charset", goipp.TagCharset, goipp.String(x.charset)))
	attrs.Add(goipp.MakeAttribute("notify-natural-language", goipp.TagLanguage, goipp.String("en")))
	return attrs
}

func (s *Server) decodeGetNotifications(x *exchange) result {
	if len(attrInts(x.req.Operation, "notify-subscription-ids")) == 0 {
		return fail(goipp.StatusErrorBadRequest, "notify-subscription-ids required")
	}
	return result{}
}

func (s *Server) getNotifications(x *exchange) result {
	ids := attrInts(x.req.Operation, "notify-subscription-ids")
	seqs := attrInts(x.req.Operation, "notify-sequence-numbers")
	var res result
	complete := true
	err := s.Store.WithTx(x.ctx, true, func(tx *store.Tx) error {
		for i, id := range ids {
			sub, err := s.Store.GetSubscription(x.ctx, tx, id)
			if errors.Is(err, store.ErrNotFound) {
				res = fail(goipp.StatusErrorNotFound, "subscription %d not found", id)
				return nil
			}
			if err != nil {
				return err
			}
			if !canManage(x.user, sub.Owner) {
				res = fail(goipp.StatusErrorNotAuthorized, "subscription %d belongs to another user", id)
				return nil
			}
			after := int64(0)
			if i < len(seqs) && seqs[i] > 0 {
				after = seqs[i] - 1
			}
			notes, err := s.Store.ListNotifications(x.ctx, tx, sub.ID, after, s.Store.MaxEvents)
			if err != nil {
				return err
			}
			for _, n := range notes {
				x.groups = append(x.groups, goipp.Group{Tag: goipp.TagEventNotificationGroup, Attrs: s.eventAttrs(x, sub, n)})
			}
			if !sub.JobID.Valid {
				complete = false
				continue
			}
			job, err := s.Store.GetInboxJob(x.ctx, tx, sub.JobID.Int64)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if err == nil && job.State < model.JobCanceled {
				complete = false
			}
		}
		return nil
	})
	if err != nil {
		return internalError(err)
	}
	if res.failed() {
		return res
	}
	if complete {
		x.status = goipp.StatusOkEventsComplete
	} else {
		x.opAttrs.Add(goipp.MakeAttribute("notify-get-interval", goipp.TagInteger, goipp.Integer(getInterval)))
	}
	x.opAttrs.Add(goipp.MakeAttribute("printer-up-time", goipp.TagInteger, goipp.Integer(s.upTime())))
	return result{}
}

func (s *Server) eventAttrs(x *exchange, sub model.Subscription, n model.Notification) goipp.Attributes {
	attrs := goipp.Attributes{}
	attrs.Add(goipp.MakeAttribute("notify-subscription-id", goipp.TagInteger, goipp.Integer(sub.ID)))
	attrs.Add(goipp.MakeAttribute("notify-sequence-number", goipp.TagInteger, goipp.Integer(n.ID)))
	attrs.Add(goipp.MakeAttribute("notify-subscribed-event", goipp.TagKeyword, goipp.String(n.Event)))
	attrs.Add(goipp.MakeAttribute("notify-text", goipp.TagText, goipp.String(n.Text)))
	attrs.Add(goipp.MakeAttribute("notify-charset", goipp.TagCharset, goipp.String(x.charset)))
	attrs.Add(goipp.MakeAttribute("notify-natural-language", goipp.TagLanguage, goipp.String("en")))
	if len(sub.UserData) > 0 {
		attrs.Add(goipp.MakeAttribute("notify-user-data", goipp.TagString, goipp.Binary(sub.UserData)))
	}
	attrs.Add(goipp.MakeAttribute("notify-printer-uri", goipp.TagURI, goipp.String(s.printerURI(x.http, x.queue.Name))))
	attrs.Add(goipp.MakeAttribute("printer-up-time", goipp.TagInteger, goipp.Integer(s.upTime())))
	if n.JobID != 0 {
		attrs.Add(goipp.MakeAttribute("notify-job-id", goipp.TagInteger, goipp.Integer(n.JobID)))
		attrs.Add(goipp.MakeAttribute("job-state", goipp.TagEnum, goipp.Integer(n.JobState)))
	}
	return attrs
}
