// Package dashboard serves read-only JSON views of the pipeline and the
// Prometheus metrics endpoint.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/outreach/internal/quota"
	"github.com/zulandar/outreach/internal/selector"
	"gorm.io/gorm"
)

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	DB        *gorm.DB
	Tracker   *quota.Tracker
	Selector  *selector.Selector
	AccountID string
	Port      int
	Out       io.Writer
	Log       logrus.FieldLogger

	now func() time.Time
}

func (o *StartOpts) validate() error {
	if o.DB == nil {
		return fmt.Errorf("dashboard: db is required")
	}
	if o.AccountID == "" {
		return fmt.Errorf("dashboard: account is required")
	}
	if o.Tracker == nil {
		o.Tracker = quota.New(o.DB, quota.DefaultDailyCap)
	}
	if o.Selector == nil {
		o.Selector = selector.New(o.DB)
	}
	if o.Port <= 0 {
		o.Port = 8080
	}
	if o.Log == nil {
		o.Log = logrus.StandardLogger()
	}
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}
	return nil
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, &opts)
	return router, nil
}

// Start launches the dashboard HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if err := opts.validate(); err != nil {
		return err
	}
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
