package handlers

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/your-org/presence/internal/roster"
	"github.com/your-org/presence/internal/timeutil"
	"github.com/your-org/presence/internal/vision"
	"github.com/your-org/presence/pkg/dto"
)

type RosterHandler struct {
	svc *roster.Service
}

func NewRosterHandler(svc *roster.Service) *RosterHandler {
	return &RosterHandler{svc: svc}
}

func (h *RosterHandler) List(c *gin.Context) {
	identities, err := h.svc.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]dto.IdentityResponse, 0, len(identities))
	for _, id := range identities {
		resp = append(resp, dto.IdentityResponse{
			ID:       id.ID,
			PersonID: id.PersonID,
			Label:    id.Label,
			Width:    id.Width,
			Height:   id.Height,
			PhotoID:  id.PhotoID,
			PhotoURL: id.PhotoURL,
			TS:       timeutil.FormatISO(id.TS),
		})
	}
	c.JSON(http.StatusOK, dto.IdentityListResponse{Identities: resp, Total: len(resp)})
}

// Enroll registers a face from a multipart image in one shot.
func (h *RosterHandler) Enroll(c *gin.Context) {
	label := c.PostForm("label")
	if label == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "label required"})
		return
	}
	force := c.PostForm("force") == "true" || c.PostForm("force") == "1"

	data, err := readImageFile(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ident, err := h.svc.Enroll(c.Request.Context(), label, data, force)
	if err != nil {
		h.enrollError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.IdentityResponse{
		ID:       ident.ID,
		PersonID: ident.PersonID,
		Label:    ident.Label,
		Width:    ident.Width,
		Height:   ident.Height,
		PhotoID:  ident.PhotoID,
		PhotoURL: ident.PhotoURL,
		TS:       timeutil.FormatISO(ident.TS),
	})
}

// Preview stages an enrollment and returns the crop plus face boxes.
func (h *RosterHandler) Preview(c *gin.Context) {
	data, err := readImageFile(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	staged, err := h.svc.Preview(data)
	if err != nil {
		h.enrollError(c, err)
		return
	}

	faces := make([]dto.BoxResponse, 0, len(staged.Faces))
	for _, f := range staged.Faces {
		faces = append(faces, boxResponse(f))
	}

	c.JSON(http.StatusOK, dto.PreviewResponse{
		Token: staged.Token,
		Score: staged.Score,
		Face:  boxResponse(staged.Face),
		Faces: faces,
		Crop:  base64.StdEncoding.EncodeToString(staged.CropJPEG),
	})
}

// Commit finalizes a previewed enrollment by token.
func (h *RosterHandler) Commit(c *gin.Context) {
	var req dto.CommitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ident, err := h.svc.Commit(c.Request.Context(), req.Token, req.Label, req.Force)
	if err != nil {
		h.enrollError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.IdentityResponse{
		ID:       ident.ID,
		PersonID: ident.PersonID,
		Label:    ident.Label,
		Width:    ident.Width,
		Height:   ident.Height,
		PhotoID:  ident.PhotoID,
		PhotoURL: ident.PhotoURL,
		TS:       timeutil.FormatISO(ident.TS),
	})
}

func (h *RosterHandler) Delete(c *gin.Context) {
	label := c.Param("label")

	err := h.svc.Delete(c.Request.Context(), label)
	if errors.Is(err, roster.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "identity not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": label})
}

func (h *RosterHandler) enrollError(c *gin.Context, err error) {
	var dup *roster.DuplicateError
	switch {
	case errors.Is(err, vision.ErrNoFace):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no face detected"})
	case errors.As(err, &dup):
		c.JSON(http.StatusConflict, gin.H{
			"error": "duplicate face",
			"label": dup.Label,
			"score": dup.Score,
		})
	case errors.Is(err, roster.ErrPreviewExpired):
		c.JSON(http.StatusGone, gin.H{"error": "preview expired"})
	case errors.Is(err, roster.ErrPreviewNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "preview not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func boxResponse(d vision.Detection) dto.BoxResponse {
	return dto.BoxResponse{X: d.X, Y: d.Y, W: d.W, H: d.H, Score: d.Score}
}

// readImageFile pulls the uploaded image from the "image" (or "file")
// form field.
func readImageFile(c *gin.Context) ([]byte, error) {
	fh, err := c.FormFile("image")
	if err != nil {
		fh, err = c.FormFile("file")
	}
	if err != nil {
		return nil, errors.New("image file required")
	}

	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
