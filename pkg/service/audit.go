package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"landlink/pkg/storage"
)

const maxDeviceInfo = 200

// ViewRecorder appends one view per successful unlock.
type ViewRecorder interface {
	Record(ctx context.Context, linkID uuid.UUID, ip, userAgent string) error
}

// ViewLog is the append-only audit trail of unlocks. It has no update or
// delete operations.
type ViewLog struct {
	views storage.ViewStorage
	links storage.LinkStorage
	opts  Options
	now   func() time.Time
}

func NewViewLog(views storage.ViewStorage, links storage.LinkStorage, opts Options) *ViewLog {
	return &ViewLog{views: views, links: links, opts: opts.withDefaults(), now: time.Now}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func (l *ViewLog) Record(ctx context.Context, linkID uuid.UUID, ip, userAgent string) error {
	view := &storage.LinkView{
		ID:         uuid.New(),
		LinkID:     linkID,
		ViewedAt:   l.now().UTC(),
		IPAddress:  optional(ip),
		DeviceInfo: optional(truncate(userAgent, maxDeviceInfo)),
		UserAgent:  optional(userAgent),
	}

	writeCtx, cancel := storeContext(ctx, l.opts.StoreTimeout)
	defer cancel()
	return l.views.Append(writeCtx, view)
}

// ListMine aggregates view counts for the caller's own links.
func (l *ViewLog) ListMine(ctx context.Context, userID uuid.UUID) ([]storage.LinkSummary, error) {
	out, err := readWithRetry(ctx, l.opts.StoreTimeout, func(ctx context.Context) ([]storage.LinkSummary, error) {
		return l.links.ListByOwner(ctx, userID)
	})
	if err != nil {
		return nil, temporary("views.list_mine", err)
	}
	return out, nil
}

type LinkHistory struct {
	Link  storage.PrivateLink `json:"link"`
	Views []storage.LinkView  `json:"views"`
}

// History returns the time-ordered views of one of the caller's links.
func (l *ViewLog) History(ctx context.Context, userID uuid.UUID, token string) (*LinkHistory, error) {
	if !ValidateToken(token) {
		return nil, ErrLinkNotFound
	}
	link, err := readWithRetry(ctx, l.opts.StoreTimeout, func(ctx context.Context) (*storage.PrivateLink, error) {
		return l.links.GetByToken(ctx, token)
	})
	if err != nil {
		return nil, temporary("views.history", err)
	}
	if link == nil || link.OwnerUserID != userID {
		return nil, ErrLinkNotFound
	}

	views, err := readWithRetry(ctx, l.opts.StoreTimeout, func(ctx context.Context) ([]storage.LinkView, error) {
		return l.views.ListByLink(ctx, link.ID)
	})
	if err != nil {
		return nil, temporary("views.history", err)
	}
	return &LinkHistory{Link: *link, Views: views}, nil
}

type LinkAudit struct {
	storage.PrivateLink
	ViewCount int                `json:"view_count"`
	Views     []storage.LinkView `json:"views"`
}

// ListAll is the admin view: every link with its full view history.
func (l *ViewLog) ListAll(ctx context.Context) ([]LinkAudit, error) {
	links, err := readWithRetry(ctx, l.opts.StoreTimeout, l.links.ListAll)
	if err != nil {
		return nil, temporary("views.list_all", err)
	}
	views, err := readWithRetry(ctx, l.opts.StoreTimeout, l.views.ListAll)
	if err != nil {
		return nil, temporary("views.list_all", err)
	}

	byLink := make(map[uuid.UUID][]storage.LinkView, len(links))
	for _, v := range views {
		byLink[v.LinkID] = append(byLink[v.LinkID], v)
	}

	out := make([]LinkAudit, 0, len(links))
	for _, link := range links {
		vs := byLink[link.ID]
		if vs == nil {
			vs = []storage.LinkView{}
		}
		out = append(out, LinkAudit{PrivateLink: link, ViewCount: len(vs), Views: vs})
	}
	return out, nil
}
