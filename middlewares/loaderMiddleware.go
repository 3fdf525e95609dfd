package middlewares

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/graph-gophers/dataloader/v7"
	"github.com/mmdatafocus/costledger_backend/config"
	"github.com/mmdatafocus/costledger_backend/models"
	"gorm.io/gorm"
)

type ctxKey string

const (
	loadersKey = ctxKey("dataloaders")
)

// Loaders holds the request-scoped batch loaders.
type Loaders struct {
	LedgerEntryLoader *dataloader.Loader[int, *models.LedgerEntry]
}

// NewLoaders instantiates data loaders for the middleware
func NewLoaders(conn *gorm.DB) *Loaders {
	ledgerEntryReader := &ledgerEntryReader{db: conn}

	return &Loaders{
		LedgerEntryLoader: dataloader.NewBatchedLoader(ledgerEntryReader.getLedgerEntries, dataloader.WithWait[int, *models.LedgerEntry](time.Millisecond)),
	}
}

func LoaderMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		loader := NewLoaders(config.GetDB())
		ctx := WithLoaders(c.Request.Context(), loader)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func WithLoaders(ctx context.Context, loaders *Loaders) context.Context {
	return context.WithValue(ctx, loadersKey, loaders)
}

// For returns the request's loaders. Callers outside an HTTP request get a
// fresh, uncached set.
func For(ctx context.Context) *Loaders {
	if l, ok := ctx.Value(loadersKey).(*Loaders); ok {
		return l
	}
	return NewLoaders(config.GetDB())
}

// handleError creates array of result with the same error repeated for as many items requested
func handleError[T any](itemsLength int, err error) []*dataloader.Result[T] {
	result := make([]*dataloader.Result[T], itemsLength)
	for i := 0; i < itemsLength; i++ {
		result[i] = &dataloader.Result[T]{Error: err}
	}
	return result
}
