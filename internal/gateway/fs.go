package gateway

import (
	"encoding/base64"
	"fmt"
	"mime"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dronehub/dronehub/internal/common/shellq"
	"github.com/dronehub/dronehub/internal/oplock"
)

const (
	maxFileReadBytes  = 2 << 20 // text editor view
	maxFileWriteBytes = 8 << 20
	maxThumbBytes     = 8 << 20
)

func (s *Server) registerFSRoutes(api *gin.RouterGroup) {
	api.GET("/drones/:id/fs/list", s.fsList)
	api.GET("/drones/:id/fs/file", s.fsReadFile)
	api.POST("/drones/:id/fs/file", s.fsWriteFile)
	api.GET("/drones/:id/fs/thumb", s.fsThumb)
	api.GET("/drones/:id/preview/:containerPort/*path", s.previewProxy)
}

func (s *Server) fsPath(c *gin.Context) (string, bool) {
	p := c.Query("path")
	if p == "" {
		fail(c, http.StatusBadRequest, "path is required")
		return "", false
	}
	p = shellq.NormalizeContainerPath(p)
	if p == "" {
		fail(c, http.StatusBadRequest, "invalid path")
		return "", false
	}
	return p, true
}

type fsEntry struct {
	Name string `json:"name"`
	Dir  bool   `json:"dir"`
}

func (s *Server) fsList(c *gin.Context) {
	d, found := s.resolveDrone(c)
	if !found {
		return
	}
	p, okPath := s.fsPath(c)
	if !okPath {
		return
	}

	res, err := s.dvm.Exec(c.Request.Context(), d.ContainerName, "ls", []string{"-1Ap", "--", p}, 30*time.Second)
	if err != nil {
		classify(c, err)
		return
	}
	if res.Code != 0 {
		fail(c, http.StatusNotFound, strings.TrimSpace(res.Stderr))
		return
	}

	var entries []fsEntry
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		entries = append(entries, fsEntry{
			Name: strings.TrimSuffix(line, "/"),
			Dir:  strings.HasSuffix(line, "/"),
		})
	}
	ok(c, gin.H{"path": p, "entries": entries})
}

// fsReadFile returns file content base64-encoded so binary files survive the
// JSON envelope.
func (s *Server) fsReadFile(c *gin.Context) {
	d, found := s.resolveDrone(c)
	if !found {
		return
	}
	p, okPath := s.fsPath(c)
	if !okPath {
		return
	}

	script := fmt.Sprintf("head -c %d -- %s | base64", maxFileReadBytes+1, shellq.Quote(p))
	res, err := s.dvm.Exec(c.Request.Context(), d.ContainerName, "sh", []string{"-c", script}, 60*time.Second)
	if err != nil {
		classify(c, err)
		return
	}
	if res.Code != 0 {
		fail(c, http.StatusNotFound, strings.TrimSpace(res.Stderr))
		return
	}
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(res.Stdout, "\n", ""))
	if err != nil {
		fail(c, http.StatusInternalServerError, "unreadable file content")
		return
	}
	if len(raw) > maxFileReadBytes {
		fail(c, http.StatusRequestEntityTooLarge, "file too large to display")
		return
	}
	ok(c, gin.H{"path": p, "contentBase64": base64.StdEncoding.EncodeToString(raw)})
}

type fsWriteRequest struct {
	Path          string `json:"path" binding:"required"`
	ContentBase64 string `json:"contentBase64" binding:"required"`
}

func (s *Server) fsWriteFile(c *gin.Context) {
	d, found := s.resolveDrone(c)
	if !found {
		return
	}
	var req fsWriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}
	target := shellq.NormalizeContainerPath(req.Path)
	if target == "" {
		fail(c, http.StatusBadRequest, "invalid path")
		return
	}
	raw, err := base64.StdEncoding.DecodeString(req.ContentBase64)
	if err != nil {
		fail(c, http.StatusBadRequest, "content must be base64")
		return
	}
	if len(raw) > maxFileWriteBytes {
		fail(c, http.StatusRequestEntityTooLarge, "file exceeds write limit")
		return
	}

	tmp, err := os.CreateTemp("", "drone-hub-fs-*")
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	tmp.Close()

	err = s.locks.WithLock(c.Request.Context(), oplock.DroneKey(d.ID), func() error {
		return s.dvm.CopyTo(c.Request.Context(), d.ContainerName, tmp.Name(), target)
	})
	if err != nil {
		classify(c, err)
		return
	}
	ok(c, gin.H{"path": target, "bytes": len(raw)})
}

func (s *Server) fsThumb(c *gin.Context) {
	d, found := s.resolveDrone(c)
	if !found {
		return
	}
	p, okPath := s.fsPath(c)
	if !okPath {
		return
	}

	ctype := mime.TypeByExtension(path.Ext(p))
	if !strings.HasPrefix(ctype, "image/") {
		fail(c, http.StatusBadRequest, "thumb requires an image path")
		return
	}

	script := fmt.Sprintf("head -c %d -- %s | base64", maxThumbBytes+1, shellq.Quote(p))
	res, err := s.dvm.Exec(c.Request.Context(), d.ContainerName, "sh", []string{"-c", script}, 60*time.Second)
	if err != nil {
		classify(c, err)
		return
	}
	if res.Code != 0 {
		fail(c, http.StatusNotFound, strings.TrimSpace(res.Stderr))
		return
	}
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(res.Stdout, "\n", ""))
	if err != nil {
		fail(c, http.StatusInternalServerError, "unreadable image content")
		return
	}
	if len(raw) > maxThumbBytes {
		fail(c, http.StatusRequestEntityTooLarge, "image too large for thumbnail")
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, ctype, raw)
}

// previewProxy forwards requests to a web server inside the drone, stripping
// frame-busting headers so the UI can embed it.
func (s *Server) previewProxy(c *gin.Context) {
	d, found := s.resolveDrone(c)
	if !found {
		return
	}
	containerPort, err := strconv.Atoi(c.Param("containerPort"))
	if err != nil || containerPort < 1 || containerPort > 65535 {
		fail(c, http.StatusBadRequest, "invalid container port")
		return
	}

	hostPort := 0
	if ports, err := s.dvm.Ports(c.Request.Context(), d.ContainerName); err == nil {
		for _, m := range ports {
			if m.ContainerPort == containerPort {
				hostPort = m.HostPort
				break
			}
		}
	}
	if hostPort == 0 {
		fail(c, http.StatusBadGateway, fmt.Sprintf("container port %d is not published", containerPort))
		return
	}

	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", hostPort)}
	proxy := httputil.NewSingleHostReverseProxy(target)
	prefix := fmt.Sprintf("/api/drones/%s/preview/%d", c.Param("id"), containerPort)
	proxy.Director = func(req *http.Request) {
		req.URL.Scheme = target.Scheme
		req.URL.Host = target.Host
		req.URL.Path = strings.TrimPrefix(req.URL.Path, prefix)
		if req.URL.Path == "" {
			req.URL.Path = "/"
		}
		req.Host = target.Host
	}
	proxy.ModifyResponse = func(resp *http.Response) error {
		resp.Header.Del("X-Frame-Options")
		resp.Header.Del("Content-Security-Policy")
		return nil
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.logger.Debug("preview proxy failed", zap.Error(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"ok":false,"error":"preview upstream unavailable"}`))
	}
	proxy.ServeHTTP(c.Writer, c.Request)
}
