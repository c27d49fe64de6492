// Package catalog is a thin facade over the authenticated portal actions a
// subscriber sees: account profile, genres, channel list, EPG and VOD
// categories. It never touches session internals; every method is a wrapper
// around Session.Call and returns the raw "js" payload decoded into a small
// typed struct where the shape is stable, json.RawMessage otherwise.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/snapetech/stalkerprobe/internal/portal"
)

// Client wraps an authenticated session.
type Client struct {
	Session *portal.Session
}

// Genre is one itv genre entry.
type Genre struct {
	ID    string
	Title string
}

func (g *Genre) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID    json.RawMessage `json:"id"`
		Title json.RawMessage `json:"title"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	g.ID = flexID(raw.ID)
	g.Title = flexID(raw.Title)
	return nil
}

// Channel is one live channel entry. Portals send numeric fields as numbers
// or strings depending on build, so IDs are coerced to strings.
type Channel struct {
	ID     string
	Name   string
	Number string
	Genre  string
}

func (c *Channel) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID      json.RawMessage `json:"id"`
		Name    json.RawMessage `json:"name"`
		Number  json.RawMessage `json:"number"`
		GenreID json.RawMessage `json:"tv_genre_id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.ID = flexID(raw.ID)
	c.Name = flexID(raw.Name)
	c.Number = flexID(raw.Number)
	c.Genre = flexID(raw.GenreID)
	return nil
}

// Category is one VOD category entry.
type Category struct {
	ID    string
	Title string
}

func (c *Category) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID    json.RawMessage `json:"id"`
		Title json.RawMessage `json:"title"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.ID = flexID(raw.ID)
	c.Title = flexID(raw.Title)
	return nil
}

// MainProfile fetches the account_info main profile as a raw payload; its
// shape varies too much across portal builds to type.
func (c *Client) MainProfile(ctx context.Context) (json.RawMessage, error) {
	return c.Session.Call(ctx, portal.Action{Type: "account_info", Action: "get_main_info"})
}

// Genres fetches the itv genre list.
func (c *Client) Genres(ctx context.Context) ([]Genre, error) {
	js, err := c.Session.Call(ctx, portal.Action{Type: "itv", Action: "get_genres"})
	if err != nil {
		return nil, err
	}
	var genres []Genre
	if err := json.Unmarshal(js, &genres); err != nil {
		return nil, fmt.Errorf("decode genres: %w", err)
	}
	return genres, nil
}

// Channels fetches the full live channel list. The payload nests the list
// under js.data.
func (c *Client) Channels(ctx context.Context) ([]Channel, error) {
	js, err := c.Session.Call(ctx, portal.Action{Type: "itv", Action: "get_all_channels"})
	if err != nil {
		return nil, err
	}
	var wrapper struct {
		Data []Channel `json:"data"`
	}
	if err := json.Unmarshal(js, &wrapper); err != nil {
		return nil, fmt.Errorf("decode channels: %w", err)
	}
	return wrapper.Data, nil
}

// EPG fetches the programme guide for the next period hours, raw.
func (c *Client) EPG(ctx context.Context, periodHours int) (json.RawMessage, error) {
	params := url.Values{}
	params.Set("period", strconv.Itoa(periodHours))
	return c.Session.Call(ctx, portal.Action{Type: "itv", Action: "get_epg_info", Params: params})
}

// VODCategories fetches the VOD category list.
func (c *Client) VODCategories(ctx context.Context) ([]Category, error) {
	js, err := c.Session.Call(ctx, portal.Action{Type: "vod", Action: "get_categories"})
	if err != nil {
		return nil, err
	}
	var cats []Category
	if err := json.Unmarshal(js, &cats); err != nil {
		return nil, fmt.Errorf("decode vod categories: %w", err)
	}
	return cats, nil
}

// flexID decodes a JSON value that may be a string or number into a string.
func flexID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.FormatInt(int64(n), 10)
	}
	return string(raw)
}
