package params

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/theblitlabs/taskfleet/internal/core/models"
)

const (
	defaultDailyLimit      = 20
	defaultMinInterval     = 30
	defaultMaxInterval     = 120
	defaultProductQuantity = 1
	defaultScrapeMinutes   = 30
	defaultScrapeMaxUsers  = 200
)

// Interval bounds the random pause an agent takes between two actions.
type Interval struct {
	MinSeconds int `json:"min_seconds"`
	MaxSeconds int `json:"max_seconds"`
}

func (iv *Interval) normalize(field string) error {
	switch {
	case iv.MinSeconds == 0 && iv.MaxSeconds == 0:
		iv.MinSeconds, iv.MaxSeconds = defaultMinInterval, defaultMaxInterval
	case iv.MaxSeconds == 0:
		iv.MaxSeconds = iv.MinSeconds
	}
	if iv.MinSeconds > iv.MaxSeconds {
		return fieldErr(field+"/min_seconds", "must not exceed max_seconds (%d > %d)", iv.MinSeconds, iv.MaxSeconds)
	}
	return nil
}

type FriendAdd struct {
	Targets    []string `json:"targets"`
	Greeting   string   `json:"greeting,omitempty"`
	DailyLimit int      `json:"daily_limit"`
	Interval   Interval `json:"interval"`
}

func (*FriendAdd) TaskType() models.TaskType { return models.TaskTypeFriendAdd }

func (p *FriendAdd) normalize() error {
	p.Targets = cleanList(p.Targets)
	if len(p.Targets) == 0 {
		return fieldErr("targets", "at least one non-empty target is required")
	}
	p.Greeting = strings.TrimSpace(p.Greeting)
	if p.DailyLimit == 0 {
		p.DailyLimit = defaultDailyLimit
	}
	return p.Interval.normalize("interval")
}

type ContentPush struct {
	Text     string   `json:"text,omitempty"`
	Images   []string `json:"images,omitempty"`
	Audience []string `json:"audience,omitempty"`
	Interval Interval `json:"interval"`
}

func (*ContentPush) TaskType() models.TaskType { return models.TaskTypeContentPush }

func (p *ContentPush) normalize() error {
	p.Text = strings.TrimSpace(p.Text)
	p.Images = cleanList(p.Images)
	p.Audience = cleanList(p.Audience)
	if p.Text == "" && len(p.Images) == 0 {
		return fieldErr("text", "text or images must be provided")
	}
	for i, img := range p.Images {
		if !httpURL(img) {
			return fieldErr("images/"+strconv.Itoa(i), "not an http(s) URL: %q", img)
		}
	}
	return p.Interval.normalize("interval")
}

type ProductRelease struct {
	ProductID  uint   `json:"product_id"`
	Quantity   int64  `json:"quantity"`
	Title      string `json:"title,omitempty"`
	PriceCents int64  `json:"price_cents"`
}

func (*ProductRelease) TaskType() models.TaskType { return models.TaskTypeProductRelease }

func (p *ProductRelease) normalize() error {
	if p.ProductID == 0 {
		return fieldErr("product_id", "must be a catalog product id")
	}
	if p.Quantity == 0 {
		p.Quantity = defaultProductQuantity
	}
	p.Title = strings.TrimSpace(p.Title)
	return nil
}

func (p *ProductRelease) Reservation() (uint, int64) {
	return p.ProductID, p.Quantity
}

type MessageReplyClose struct {
	Conversations []string `json:"conversations,omitempty"`
	AutoReply     string   `json:"auto_reply,omitempty"`
}

func (*MessageReplyClose) TaskType() models.TaskType { return models.TaskTypeMessageReplyClose }

func (p *MessageReplyClose) normalize() error {
	p.Conversations = cleanList(p.Conversations)
	p.AutoReply = strings.TrimSpace(p.AutoReply)
	return nil
}

type LiveScrape struct {
	RoomURL         string   `json:"room_url"`
	DurationMinutes int      `json:"duration_minutes"`
	MaxUsers        int      `json:"max_users"`
	Keywords        []string `json:"keywords,omitempty"`
}

func (*LiveScrape) TaskType() models.TaskType { return models.TaskTypeLiveScrape }

func (p *LiveScrape) normalize() error {
	p.RoomURL = strings.TrimSpace(p.RoomURL)
	if !httpURL(p.RoomURL) {
		return fieldErr("room_url", "not an http(s) URL: %q", p.RoomURL)
	}
	if p.DurationMinutes == 0 {
		p.DurationMinutes = defaultScrapeMinutes
	}
	if p.MaxUsers == 0 {
		p.MaxUsers = defaultScrapeMaxUsers
	}
	p.Keywords = cleanList(p.Keywords)
	return nil
}

// cleanList trims entries, drops blanks and duplicates, and keeps first-seen order.
func cleanList(values []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func httpURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

type builtin struct {
	taskType models.TaskType
	schema   string
	newFn    func() Params
}

var builtins = []builtin{
	{models.TaskTypeFriendAdd, friendAddSchema, func() Params { return &FriendAdd{} }},
	{models.TaskTypeContentPush, contentPushSchema, func() Params { return &ContentPush{} }},
	{models.TaskTypeProductRelease, productReleaseSchema, func() Params { return &ProductRelease{} }},
	{models.TaskTypeMessageReplyClose, messageReplyCloseSchema, func() Params { return &MessageReplyClose{} }},
	{models.TaskTypeLiveScrape, liveScrapeSchema, func() Params { return &LiveScrape{} }},
}
