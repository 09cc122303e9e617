// Package storage groups the persistence backends. Backends live in
// subpackages; this package only combines them.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// MultiLinkWriter exports link data to every configured writer. A failing
// writer does not stop the others; all failures are joined.
type MultiLinkWriter []crawler.LinkWriter

// WriteLinkData implements crawler.LinkWriter.
func (m MultiLinkWriter) WriteLinkData(ctx context.Context, graph crawler.LinkGraph) error {
	var errs []error
	for i, w := range m {
		if w == nil {
			continue
		}
		if err := w.WriteLinkData(ctx, graph); err != nil {
			errs = append(errs, fmt.Errorf("link writer %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
