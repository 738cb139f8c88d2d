package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/shaiso/crmflow/internal/telemetry"
)

// Logging логирует HTTP запросы и кладёт logger в context запроса.
func Logging(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			c.SetRequest(req.WithContext(telemetry.WithLogger(req.Context(), logger)))

			err := next(c)
			if err != nil {
				// Статус ответа известен только после ErrorHandler.
				c.Error(err)
			}

			logger.Info("http request",
				"method", req.Method,
				"path", req.URL.Path,
				"route", c.Path(),
				"status", c.Response().Status,
				"duration", time.Since(start),
				"remote_addr", c.RealIP(),
			)
			return nil
		}
	}
}

// Recovery восстанавливается после паники.
func Recovery(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					if r == http.ErrAbortHandler {
						panic(r)
					}
					logger.Error("panic recovered",
						"error", r,
						"stack", string(debug.Stack()),
						"path", c.Request().URL.Path,
					)
					err = fmt.Errorf("panic: %v", r)
				}
			}()

			return next(c)
		}
	}
}

// Metrics считает запросы по маршруту и коду ответа.
// Регистрируется раньше Logging: тогда ошибка уже записана в ответ
// и c.Response().Status содержит итоговый код.
func Metrics() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			status := c.Response().Status
			if err != nil {
				status = http.StatusInternalServerError
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			telemetry.HTTPRequests.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).Inc()
			return err
		}
	}
}
