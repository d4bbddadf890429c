// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

// Verbos canônicos do canal de controle.
const (
	// registro
	VerbRegister = "REGISTER"
	VerbAuth     = "AUTH"
	VerbVer      = "VER"

	// keep-alive
	VerbPing = "PING"
	VerbPong = "PONG"

	// broadcast
	VerbStart = "START"
	VerbStop  = "STOP"

	// transferência de arquivos
	VerbUploadToken   = "UPLOAD_TOKEN"
	VerbDownloadToken = "DOWNLOAD_TOKEN"
	VerbDownloadURL   = "DOWNLOAD_URL"
	VerbStreamToken   = "STREAM_TOKEN"

	// gestão de clients
	VerbKick    = "KICK"
	VerbRestart = "RESTART"

	// gestão de arquivos
	VerbListFiles  = "LIST_FILES"
	VerbRemoveFile = "REMOVE_FILE"

	// respostas
	VerbOK              = "OK"
	VerbError           = "ERROR"
	VerbRegisterOK      = "REGISTER_OK"
	VerbAuthFailed      = "AUTH_FAILED"
	VerbVersionMismatch = "VERSION_MISMATCH"
)

// Valores do kwarg `event` em frames OK não solicitados. Frames com `event`
// são notificações de ciclo de vida e ficam fora da correlação FIFO de
// respostas.
const (
	EventBroadcastEnded = "broadcast_ended"
)

// NewCommand cria um Frame com verbo e argumentos posicionais.
func NewCommand(verb string, args ...string) *Frame {
	return &Frame{
		Verb:   verb,
		Args:   args,
		Kwargs: make(map[string]string),
	}
}

// NewOK cria uma resposta OK com message opcional (vazio omite o kwarg).
func NewOK(message string) *Frame {
	f := NewCommand(VerbOK)
	if message != "" {
		f.Kwargs["message"] = message
	}
	return f
}

// NewError cria uma resposta ERROR com message.
func NewError(message string) *Frame {
	f := NewCommand(VerbError)
	f.Kwargs["message"] = message
	return f
}

// IsResponse informa se o verbo é uma resposta de comando (OK/ERROR).
func IsResponse(verb string) bool {
	return verb == VerbOK || verb == VerbError
}
