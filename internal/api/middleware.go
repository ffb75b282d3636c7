package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/annel0/charsync/internal/authority"
	"github.com/annel0/charsync/internal/character"
	"github.com/annel0/charsync/internal/node"
	"github.com/annel0/charsync/internal/session"
)

// jwtMiddleware проверяет JWT в заголовке Authorization
func (s *Server) jwtMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Issuer == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, GenericResponse{Message: "Администрирование отключено"})
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, GenericResponse{Message: "Отсутствует токен авторизации"})
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, GenericResponse{Message: "Неверный формат токена"})
			return
		}

		claims, err := s.cfg.Issuer.Validate(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, GenericResponse{Message: "Недействительный токен"})
			return
		}
		c.Set("player_name", claims.PlayerName)
		c.Set("is_admin", claims.IsAdmin)
		c.Next()
	}
}

// adminMiddleware пропускает только администраторов
func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !c.GetBool("is_admin") {
			c.AbortWithStatusJSON(http.StatusForbidden, GenericResponse{Message: "Недостаточно прав доступа"})
			return
		}
		c.Next()
	}
}

// commandFailed переводит ошибку команды узла в HTTP-статус
func (s *Server) commandFailed(c *gin.Context, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, session.ErrIllegalTransition):
		status = http.StatusConflict
	case errors.Is(err, authority.ErrViolation):
		status = http.StatusForbidden
	case errors.Is(err, character.ErrUnknownCharacter):
		status = http.StatusNotFound
	case errors.Is(err, node.ErrBusy), errors.Is(err, node.ErrStopped), errors.Is(err, node.ErrNotStarted):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	s.logger.Debug("команда отклонена (%d): %v", status, err)
	c.JSON(status, GenericResponse{Message: err.Error()})
}
