package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-cache/internal/cache"
	"github.com/any-hub/any-cache/internal/cachekey"
	"github.com/any-hub/any-cache/internal/controller"
	"github.com/any-hub/any-cache/internal/logging"
	"github.com/any-hub/any-cache/internal/server"
)

// ConsumerAPI 把 controller.Registry 暴露为 HTTP 接口。
type ConsumerAPI struct {
	Consumers *controller.Registry
	Store     cache.Store
	Logger    *logrus.Logger
}

type consumerPayload struct {
	ID    string           `json:"id"`
	State controller.State `json:"state"`
}

// RegisterConsumerRoutes 挂载 /consumers 下的全部接口。
func RegisterConsumerRoutes(app *fiber.App, api ConsumerAPI) {
	if app == nil || api.Consumers == nil || api.Store == nil {
		return
	}
	api.Logger = logging.OrDiscard(api.Logger)

	group := app.Group("/consumers")
	group.Get("/", api.list)
	group.Post("/", api.create)
	group.Get("/:id", api.get)
	group.Put("/:id/source", api.setSource)
	group.Delete("/:id", api.destroy)
	group.Get("/:id/asset", api.asset)
}

func (a ConsumerAPI) list(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"consumers": a.Consumers.IDs()})
}

func (a ConsumerAPI) create(c fiber.Ctx) error {
	src, err := decodeSource(c.Body())
	if err != nil {
		return renderError(c, fiber.StatusBadRequest, "invalid_body", err)
	}
	consumer, err := a.Consumers.Create(c.Context(), src)
	if err != nil {
		return a.renderSourceError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(consumerPayload{ID: consumer.ID(), State: consumer.Snapshot()})
}

func (a ConsumerAPI) get(c fiber.Ctx) error {
	consumer, ok := a.Consumers.Get(c.Params("id"))
	if !ok {
		return renderError(c, fiber.StatusNotFound, "consumer_not_found", nil)
	}
	return c.JSON(consumerPayload{ID: consumer.ID(), State: consumer.Snapshot()})
}

func (a ConsumerAPI) setSource(c fiber.Ctx) error {
	id := c.Params("id")
	src, err := decodeSource(c.Body())
	if err != nil {
		return renderError(c, fiber.StatusBadRequest, "invalid_body", err)
	}
	st, err := a.Consumers.Update(c.Context(), id, src)
	if err != nil {
		return a.renderSourceError(c, err)
	}
	return c.JSON(consumerPayload{ID: id, State: st})
}

func (a ConsumerAPI) destroy(c fiber.Ctx) error {
	if !a.Consumers.Destroy(c.Params("id")) {
		return renderError(c, fiber.StatusNotFound, "consumer_not_found", nil)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// asset 输出已缓存的正文；下载中返回 202，其余情况 404。
func (a ConsumerAPI) asset(c fiber.Ctx) error {
	consumer, ok := a.Consumers.Get(c.Params("id"))
	if !ok {
		return renderError(c, fiber.StatusNotFound, "consumer_not_found", nil)
	}
	st := consumer.Snapshot()
	if !st.Renderable() {
		if st.Downloading {
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
				"status":        "downloading",
				"bytes_written": st.BytesWritten,
			})
		}
		return renderError(c, fiber.StatusNotFound, "asset_unavailable", nil)
	}

	result, err := a.Store.Open(c.Context(), cache.Locator{Partition: st.Partition, Key: st.Key})
	if err != nil {
		if cache.IsMiss(err) {
			return renderError(c, fiber.StatusNotFound, "asset_unavailable", nil)
		}
		return renderError(c, fiber.StatusInternalServerError, "cache_read_failed", err)
	}
	defer result.Reader.Close()

	c.Set("X-Any-Cache-Hit", "true")
	c.Set("X-Any-Cache-Key", st.Key)
	if ct := contentTypeFor(result); ct != "" {
		c.Set(fiber.HeaderContentType, ct)
	}
	if result.Entry.SizeBytes > 0 {
		c.Response().Header.SetContentLength(int(result.Entry.SizeBytes))
	}
	c.Status(fiber.StatusOK)

	if _, err := io.Copy(c.Response().BodyWriter(), result.Reader); err != nil {
		a.Logger.WithFields(logrus.Fields{
			"action":      "asset",
			"consumer_id": consumer.ID(),
			"request_id":  server.RequestID(c),
		}).WithError(err).Warn("asset_stream_failed")
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("read cache failed: %v", err))
	}
	return nil
}

func (a ConsumerAPI) renderSourceError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, cachekey.ErrInvalidLocator):
		return renderError(c, fiber.StatusBadRequest, "invalid_locator", err)
	case errors.Is(err, controller.ErrDestroyed), errors.Is(err, controller.ErrUnknownConsumer):
		return renderError(c, fiber.StatusNotFound, "consumer_not_found", err)
	case errors.Is(err, cache.ErrDirectoryCreate):
		a.Logger.WithFields(logrus.Fields{
			"action":     "set_source",
			"request_id": server.RequestID(c),
		}).WithError(err).Error("cache_dir_failed")
		return renderError(c, fiber.StatusInternalServerError, "directory_create_failed", err)
	default:
		return renderError(c, fiber.StatusInternalServerError, "internal_error", err)
	}
}

func decodeSource(body []byte) (controller.Source, error) {
	var src controller.Source
	if len(strings.TrimSpace(string(body))) == 0 {
		return src, nil
	}
	if err := json.Unmarshal(body, &src); err != nil {
		return controller.Source{}, err
	}
	return src, nil
}

// contentTypeFor 先按扩展名推断，再退回内容嗅探。
func contentTypeFor(result *cache.ReadResult) string {
	if ct := mimeByKey(result.Entry.Locator.Key); ct != "" {
		return ct
	}
	head := make([]byte, 512)
	n, _ := io.ReadFull(result.Reader, head)
	_, _ = result.Reader.Seek(0, io.SeekStart)
	if n == 0 {
		return ""
	}
	return http.DetectContentType(head[:n])
}

func mimeByKey(key string) string {
	ext := path.Ext(key)
	if ext == "" {
		return ""
	}
	return mime.TypeByExtension(ext)
}

func renderError(c fiber.Ctx, status int, code string, err error) error {
	payload := fiber.Map{"error": code}
	if err != nil {
		payload["detail"] = err.Error()
	}
	return c.Status(status).JSON(payload)
}
