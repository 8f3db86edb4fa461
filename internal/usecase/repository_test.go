package usecase

import (
	"github.com/qrave1/voicelink/internal/infra/adapters/memory"
	"github.com/qrave1/voicelink/internal/infra/adapters/postgres/repository"
)

var (
	_ VoiceSessionRepository = (*memory.VoiceSessionRepository)(nil)
	_ VoiceSessionRepository = (*repository.VoiceSessionRepo)(nil)

	_ SignalRepository = (*memory.SignalRepository)(nil)
	_ SignalRepository = (*repository.SignalRepo)(nil)
)
