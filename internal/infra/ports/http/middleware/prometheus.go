package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/qrave1/voicelink/internal/application/metric"
)

// PrometheusMiddleware создает middleware для сбора метрик HTTP запросов
func PrometheusMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			status := c.Response().Status
			if status == 0 {
				status = http.StatusOK
			}

			// ошибка еще не превращена в ответ echo
			if err != nil && status < http.StatusBadRequest {
				status = http.StatusInternalServerError

				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				}
			}

			// c.Path() - шаблон маршрута, а не конкретный URI
			metric.RecordHTTPMetrics(c.Request().Method, c.Path(), status, time.Since(start))

			return err
		}
	}
}
