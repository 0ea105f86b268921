package i18n

var ptBRMessages = map[Code]string{
	CodeInvalidRequest:            "Não foi possível ler a requisição.",
	CodeLabInvalidOSVariant:       "{{if .OSType}}{{.OSType}} não é um sistema operacional suportado.{{else}}Um sistema operacional é obrigatório.{{end}} Escolha Ubuntu, Rocky Linux ou OpenSUSE.",
	CodeLabUserRequired:           "Um usuário é obrigatório.",
	CodeCreditInvalidAmount:       "Quantidades de crédito devem ser números inteiros positivos.",
	CodeActiveSessionExists:       "Você já possui uma sessão de laboratório ativa ({{.SessionID}}).",
	CodeInsufficientCredits:       "Você não possui créditos suficientes para iniciar uma sessão.",
	CodeSessionNotActive:          "Esta sessão de laboratório já foi encerrada.",
	CodeSessionNotRunning:         "Esta sessão de laboratório ainda não está pronta para conexão.",
	CodeNotFound:                  "A sessão de laboratório solicitada não foi encontrada.",
	CodeUnauthenticated:           "Entre para continuar.",
	CodePermissionDenied:          "Você não tem acesso a este recurso.",
	CodeSignatureInvalid:          "O link de conexão é inválido.",
	CodeSignatureExpired:          "O link de conexão expirou. Solicite um novo.",
	CodeProvisioningFailed:        "Não foi possível preparar o ambiente de laboratório.",
	CodeInfrastructureUnavailable: "O serviço de laboratório está temporariamente indisponível.",
}
