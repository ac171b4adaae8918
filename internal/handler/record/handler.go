package record

import (
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/medrecords-api/internal/handler"
	"github.com/jwalitptl/medrecords-api/internal/middleware"
	"github.com/jwalitptl/medrecords-api/internal/model"
	"github.com/jwalitptl/medrecords-api/internal/service/record"
	"github.com/jwalitptl/medrecords-api/pkg/errors"
	"github.com/jwalitptl/medrecords-api/pkg/httputil"
)

// FilesField is the multipart field carrying attachments.
const FilesField = "files"

type Handler struct {
	service *record.Service
}

func NewHandler(service *record.Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	records := r.Group("/records/:patientId")
	{
		records.GET("", h.GetRecord)
		records.POST("/entries", h.AppendEntry)
		records.GET("/entries/:entryId", h.GetEntry)
		records.PATCH("/entries/:entryId", h.EditEntry)
		records.GET("/attachments/:key", h.DownloadAttachment)
	}
}

func (h *Handler) GetRecord(c *gin.Context) {
	session, ok := handler.Session(c)
	if !ok {
		return
	}
	patientID, ok := handler.ParamUUID(c, "patientId", "patient")
	if !ok {
		return
	}

	view, err := h.service.Get(c.Request.Context(), session, patientID)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, view)
}

// AppendEntry accepts JSON, or multipart with type, text and up to the
// configured number of files.
func (h *Handler) AppendEntry(c *gin.Context) {
	session, ok := handler.Session(c)
	if !ok {
		return
	}
	patientID, ok := handler.ParamUUID(c, "patientId", "patient")
	if !ok {
		return
	}

	var req model.AppendEntryRequest
	if err := c.ShouldBind(&req); err != nil {
		httputil.RespondWithError(c, middleware.BindError(err))
		return
	}

	var uploads []record.Upload
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		form, err := c.MultipartForm()
		if err != nil {
			httputil.RespondWithError(c, errors.BadRequest("invalid multipart form", err))
			return
		}
		files, err := openUploads(form.File[FilesField])
		defer closeAll(files)
		if err != nil {
			httputil.RespondWithError(c, errors.Validation(FilesField, "unreadable file"))
			return
		}
		uploads = toUploads(form.File[FilesField], files)
	}

	view, err := h.service.Append(c.Request.Context(), session, patientID, req, uploads)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithCreated(c, "Entry added", view)
}

func openUploads(headers []*multipart.FileHeader) ([]multipart.File, error) {
	files := make([]multipart.File, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return files, err
		}
		files = append(files, f)
	}
	return files, nil
}

func closeAll(files []multipart.File) {
	for _, f := range files {
		f.Close()
	}
}

func toUploads(headers []*multipart.FileHeader, files []multipart.File) []record.Upload {
	uploads := make([]record.Upload, len(files))
	for i, f := range files {
		contentType, _, err := mime.ParseMediaType(headers[i].Header.Get("Content-Type"))
		if err != nil {
			contentType = "application/octet-stream"
		}
		uploads[i] = record.Upload{
			Name:        headers[i].Filename,
			ContentType: contentType,
			Size:        headers[i].Size,
			Content:     f,
		}
	}
	return uploads
}

func (h *Handler) GetEntry(c *gin.Context) {
	session, ok := handler.Session(c)
	if !ok {
		return
	}
	patientID, ok := handler.ParamUUID(c, "patientId", "patient")
	if !ok {
		return
	}
	entryID, ok := handler.ParamUUID(c, "entryId", "entry")
	if !ok {
		return
	}

	entry, err := h.service.GetEntry(c.Request.Context(), session, patientID, entryID)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, entry)
}

func (h *Handler) EditEntry(c *gin.Context) {
	session, ok := handler.Session(c)
	if !ok {
		return
	}
	patientID, ok := handler.ParamUUID(c, "patientId", "patient")
	if !ok {
		return
	}
	entryID, ok := handler.ParamUUID(c, "entryId", "entry")
	if !ok {
		return
	}
	var req model.EditEntryRequest
	if !handler.BindJSON(c, &req) {
		return
	}

	entry, err := h.service.Edit(c.Request.Context(), session, patientID, entryID, req.Text)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithMessage(c, "Entry updated", entry)
}

func (h *Handler) DownloadAttachment(c *gin.Context) {
	session, ok := handler.Session(c)
	if !ok {
		return
	}
	patientID, ok := handler.ParamUUID(c, "patientId", "patient")
	if !ok {
		return
	}

	rc, att, err := h.service.OpenAttachment(c.Request.Context(), session, patientID, c.Param("key"))
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	defer rc.Close()

	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": att.Name}))
	c.Header("Content-Length", strconv.FormatInt(att.Size, 10))
	c.Header("Content-Type", att.ContentType)
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, rc); err != nil {
		c.Error(err)
	}
}
