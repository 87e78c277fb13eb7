package http

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/gofiber/fiber/v2"

	"murmur/internal/model"
	"murmur/internal/services"
)

func serviceFrom(c *fiber.Ctx) services.TranscriptionService {
	return c.Locals("service").(services.TranscriptionService)
}

func loggerFrom(c *fiber.Ctx) *slog.Logger {
	if l, ok := c.Locals("logger").(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// transcribeHandler accepts a multipart upload and enqueues a job.
func transcribeHandler(c *fiber.Ctx) error {
	logger := loggerFrom(c)

	fh, err := c.FormFile("file")
	if err != nil {
		return writeError(c, logger, model.Errorf(model.KindValidation, "multipart field \"file\" is required"))
	}
	f, err := fh.Open()
	if err != nil {
		return writeError(c, logger, model.Internal(fmt.Errorf("open upload: %w", err)))
	}
	defer f.Close()

	// outputFormats may be repeated or comma-separated.
	var outputs []string
	if form, err := c.MultipartForm(); err == nil {
		outputs = form.Value["outputFormats"]
	}

	job, err := serviceFrom(c).Submit(c.UserContext(), services.Upload{
		Name:          fh.Filename,
		Size:          fh.Size,
		Body:          f,
		Model:         c.FormValue("model"),
		Language:      c.FormValue("language"),
		OutputFormats: outputs,
	})
	if err != nil {
		return writeError(c, logger, err)
	}
	c.Locals("job_id", job.ID)
	return c.Status(fiber.StatusAccepted).JSON(SubmitResponse{JobID: job.ID, Status: job.Status})
}

func jobsListHandler(c *fiber.Ctx) error {
	list, err := serviceFrom(c).List(c.Query("status"))
	if err != nil {
		return writeError(c, loggerFrom(c), err)
	}
	if list == nil {
		list = []model.Job{}
	}
	return c.JSON(ListJobsResponse{Jobs: list})
}

func jobDetailHandler(c *fiber.Ctx) error {
	id := c.Params("id")
	c.Locals("job_id", id)
	detail, err := serviceFrom(c).Detail(id)
	if err != nil {
		return writeError(c, loggerFrom(c), err)
	}
	if detail.Error != nil {
		detail.Error = detail.Error.Public()
	}
	return c.JSON(detail)
}

// jobDownloadHandler streams one result artifact of a completed job.
func jobDownloadHandler(c *fiber.Ctx) error {
	logger := loggerFrom(c)
	id := c.Params("id")
	c.Locals("job_id", id)

	dl, err := serviceFrom(c).Download(id, c.Query("format"))
	if err != nil {
		return writeError(c, logger, err)
	}
	f, err := os.Open(dl.Path)
	if err != nil {
		return writeError(c, logger, model.Internal(fmt.Errorf("open artifact: %w", err)))
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return writeError(c, logger, model.Internal(fmt.Errorf("stat artifact: %w", err)))
	}

	c.Attachment(dl.FileName)
	c.Set(fiber.HeaderContentType, dl.ContentType)
	// fasthttp closes the stream once the body is sent.
	return c.SendStream(f, int(info.Size()))
}

// jobDeleteHandler cancels an active job or deletes a terminal one.
func jobDeleteHandler(c *fiber.Ctx) error {
	id := c.Params("id")
	c.Locals("job_id", id)

	out, err := serviceFrom(c).Delete(c.UserContext(), id)
	if err != nil {
		return writeError(c, loggerFrom(c), err)
	}
	if out.Deleted {
		return c.JSON(DeleteResponse{JobID: id, Deleted: true})
	}
	return c.Status(fiber.StatusAccepted).JSON(DeleteResponse{JobID: id, Status: out.Job.Status})
}

func modelsHandler(c *fiber.Ctx) error {
	return c.JSON(ModelsResponse{Models: serviceFrom(c).Models()})
}

func formatsHandler(c *fiber.Ctx) error {
	return c.JSON(serviceFrom(c).Formats())
}
