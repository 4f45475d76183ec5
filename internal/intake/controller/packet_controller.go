package controller

import (
	"encoding/json"
	"io"
	"regexp"

	"github.com/gin-gonic/gin"

	"gradelab/internal/intake/packet"
	"gradelab/internal/intake/service"
	"gradelab/internal/scheduler/model"
	schedsvc "gradelab/internal/scheduler/service"
	"gradelab/pkg/utils/response"
)

var hashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// PacketController handles packet upload and status HTTP endpoints.
type PacketController struct {
	intake   *service.IntakeService
	resolver *schedsvc.Resolver
}

// NewPacketController creates a new PacketController.
func NewPacketController(intake *service.IntakeService, resolver *schedsvc.Resolver) *PacketController {
	return &PacketController{intake: intake, resolver: resolver}
}

// RegisterRoutes attaches the packet endpoints to a router group.
func (h *PacketController) RegisterRoutes(group *gin.RouterGroup) {
	group.POST("/packets", h.Upload)
	group.GET("/packets/:hash", h.GetStatus)
	group.GET("/packets/:hash/result", h.GetResult)
}

// Upload accepts a zip archive, either as the raw request body or as a
// multipart form file named "packet". With ?mode=trial the packet is graded
// immediately and nothing is recorded.
func (h *PacketController) Upload(c *gin.Context) {
	raw, err := h.readArchive(c)
	if err != nil {
		response.BadRequest(c, "Invalid upload")
		return
	}
	if len(raw) == 0 {
		response.BadRequest(c, "Empty upload")
		return
	}

	if c.Query("mode") == "trial" {
		res, err := h.intake.Trial(c.Request.Context(), raw)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, TrialResponse{
			AnalysisError: res.Message,
			Report:        res.Report,
		})
		return
	}

	out, err := h.intake.Submit(c.Request.Context(), raw)
	if err != nil {
		response.Error(c, err)
		return
	}
	status := "queued"
	if out.Duplicate {
		status = "duplicate"
	}
	response.Success(c, UploadResponse{
		Hash:      out.Hash,
		Status:    status,
		StatusURL: "/api/v1/packets/" + out.Hash,
	})
}

// GetStatus reports the lifecycle state of one submission.
func (h *PacketController) GetStatus(c *gin.Context) {
	hash := c.Param("hash")
	if !hashPattern.MatchString(hash) {
		response.BadRequest(c, "Invalid packet hash")
		return
	}
	view, err := h.resolver.Status(c.Request.Context(), hash)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, view)
}

// GetResult returns the analysis result of a completed submission, or the
// current state when none exists yet.
func (h *PacketController) GetResult(c *gin.Context) {
	hash := c.Param("hash")
	if !hashPattern.MatchString(hash) {
		response.BadRequest(c, "Invalid packet hash")
		return
	}
	view, err := h.resolver.Status(c.Request.Context(), hash)
	if err != nil {
		response.Error(c, err)
		return
	}
	if view.Status != schedsvc.StatusCompleted {
		response.Success(c, StatusOnlyResponse{Status: string(view.Status), Failure: view.Failure})
		return
	}
	response.Success(c, ResultResponse{Hash: hash, Report: view.Result})
}

func (h *PacketController) readArchive(c *gin.Context) ([]byte, error) {
	if file, err := c.FormFile("packet"); err == nil {
		f, err := file.Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(io.LimitReader(f, packet.MaxArchiveBytes+1))
	}
	return io.ReadAll(io.LimitReader(c.Request.Body, packet.MaxArchiveBytes+1))
}

// UploadResponse defines the upload response payload. Status is "queued"
// for a fresh admission and "duplicate" when the hash is already known.
type UploadResponse struct {
	Hash      string `json:"hash"`
	Status    string `json:"status"`
	StatusURL string `json:"status_url"`
}

// TrialResponse defines the trial run response payload.
type TrialResponse struct {
	AnalysisError string          `json:"analysis_error,omitempty"`
	Report        json.RawMessage `json:"report,omitempty"`
}

// StatusOnlyResponse is returned from the result endpoint when no result
// exists yet.
type StatusOnlyResponse struct {
	Status  string         `json:"status"`
	Failure *model.Failure `json:"failure,omitempty"`
}

// ResultResponse defines the result payload for completed submissions.
type ResultResponse struct {
	Hash   string          `json:"hash"`
	Report json.RawMessage `json:"report"`
}
