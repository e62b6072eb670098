package models

import (
	"fmt"
	"time"
)

// Cursor identifies one listing page: its 1-based index and its URL.
type Cursor struct {
	Page int    `json:"page"`
	URL  string `json:"url"`
}

func (c Cursor) String() string {
	return fmt.Sprintf("page %d (%s)", c.Page, c.URL)
}

// PageContent is the rendered document of one fetched page.
type PageContent struct {
	Cursor Cursor

	// URL is the final URL after redirects; it may differ from Cursor.URL.
	URL string

	HTML      string
	FetchedAt time.Time
}
