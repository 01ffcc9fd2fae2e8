package http

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lingogate/internal/identity"
	"lingogate/internal/identity/google"
	"lingogate/internal/locale"
	"lingogate/internal/session"
	"lingogate/internal/translation"
	"lingogate/pkg/text"
)

const (
	modeRegister = "register"

	opSignIn           = "signIn"
	opSignUp           = "signUp"
	opVerification     = "sendEmailVerification"
	opPasswordReset    = "sendPasswordReset"
	opVerifyReset      = "verifyPasswordResetCode"
	opConfirmReset     = "resetPassword"
	opSignInWithGoogle = "signInWithIdp"

	resultSuccess   = "success"
	resultThrottled = "throttled"
	resultError     = "error"
)

// pageContext is what the page wrapper resolved for a request.
type pageContext struct {
	locale string
	i18n   *translation.Instance
	user   *session.Claims
}

type pageHandler func(w http.ResponseWriter, r *http.Request, pc *pageContext)

// page resolves the page locale, waits for its translations and hands the ready
// instance down the render path in pageContext.
func (s *Server) page(h pageHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		loc, err := s.settings.Resolve(r.PathValue("locale"), r.Header.Get(locale.HeaderName))
		if err != nil {
			s.logger.Error("Refusing to render page",
				zap.String("path", r.URL.Path),
				zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		inst, err := s.translations(w, r, loc)
		if err != nil {
			s.logger.Warn("Failed to load translations",
				zap.String("locale", loc),
				zap.Error(err))
			s.renderTranslationError(w, loc, err)
			return
		}

		pc := &pageContext{locale: loc, i18n: inst, user: s.currentUser(w, r)}
		h(w, r, pc)
	}
}

// currentUser returns the signed-in user, dropping sessions that have not
// verified their email when verification is required.
func (s *Server) currentUser(w http.ResponseWriter, r *http.Request) *session.Claims {
	claims, ok := session.FromContext(r.Context())
	if !ok {
		return nil
	}
	if s.config.Session.RequireVerifiedEmail && !claims.EmailVerified {
		s.sessions.Clear(w)
		return nil
	}
	return claims
}

func (s *Server) newPageData(r *http.Request, pc *pageContext) *pageData {
	rest := stripLocale(r.URL.Path)
	keep := url.Values{}
	if r.URL.Query().Get("mode") == modeRegister {
		keep.Set("mode", modeRegister)
	}
	if token := r.FormValue("token"); token != "" {
		keep.Set("token", token)
	}
	query := ""
	if len(keep) > 0 {
		query = "?" + keep.Encode()
	}

	locales := s.settings.Locales()
	languages := make([]languageLink, 0, len(locales))
	for _, code := range locales {
		languages = append(languages, languageLink{
			Code:    code,
			Label:   pc.i18n.T("language." + code),
			Href:    "/" + code + rest + query,
			Current: code == pc.locale,
		})
	}

	return &pageData{
		Locale:          pc.locale,
		I18n:            pc.i18n,
		User:            pc.user,
		Languages:       languages,
		CurrentLanguage: pc.i18n.T("language." + pc.locale),
		Google:          s.google != nil,
	}
}

// stripLocale drops the first path segment: "/pt/login" becomes "/login" and
// "/pt" becomes "".
func stripLocale(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		return trimmed[i:]
	}
	return ""
}

func (s *Server) redirectHome(w http.ResponseWriter, r *http.Request, loc string) {
	http.Redirect(w, r, "/"+loc, http.StatusSeeOther)
}

func redirectLogin(w http.ResponseWriter, r *http.Request, loc string, params url.Values) {
	target := "/" + loc + "/login"
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func loginError(err error) url.Values {
	code := identity.CodeOf(err)
	if code == "" {
		code = identity.CodeInternal
	}
	return url.Values{"error": {code}}
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request, pc *pageContext) {
	if pc.user == nil {
		redirectLogin(w, r, pc.locale, nil)
		return
	}

	data := s.newPageData(r, pc)
	data.SignedInAs = pc.i18n.TData("auth.signedInAs", map[string]any{"Email": pc.user.Email})
	s.render(w, http.StatusOK, pageHome, data)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request, pc *pageContext) {
	s.render(w, http.StatusNotFound, pageNotFound, s.newPageData(r, pc))
}

func (s *Server) handleLoginForm(w http.ResponseWriter, r *http.Request, pc *pageContext) {
	if pc.user != nil {
		s.redirectHome(w, r, pc.locale)
		return
	}

	q := r.URL.Query()
	data := s.newPageData(r, pc)
	data.Register = q.Get("mode") == modeRegister
	if code := q.Get("error"); code != "" {
		data.Error = pc.i18n.TOr(identity.MessageKeyPrefix+code, identity.DefaultMessageKey)
	}
	switch {
	case q.Get("verified") != "":
		data.Notice = pc.i18n.T("auth.email-verified")
	case q.Get("reset") != "":
		data.Notice = pc.i18n.T("auth.passwordUpdated")
	}
	s.render(w, http.StatusOK, pageLogin, data)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request, pc *pageContext) {
	if pc.user != nil {
		s.redirectHome(w, r, pc.locale)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	creds := text.Credentials{
		Email:           r.PostFormValue("email"),
		Password:        r.PostFormValue("password"),
		ConfirmPassword: r.PostFormValue("confirmPassword"),
		Register:        r.PostFormValue("mode") == modeRegister,
	}.Normalize()

	data := s.newPageData(r, pc)
	data.Register = creds.Register
	data.Email = creds.Email

	if key := creds.Validate(); key != "" {
		data.Error = pc.i18n.T(key)
		s.render(w, http.StatusUnprocessableEntity, pageLogin, data)
		return
	}

	op := opSignIn
	if creds.Register {
		op = opSignUp
	}
	if !s.allow(op, r) {
		s.throttled(w, pageLogin, pc, data)
		return
	}

	if creds.Register {
		s.register(w, r, pc, data, creds)
		return
	}
	s.signIn(w, r, pc, data, creds)
}

func (s *Server) register(w http.ResponseWriter, r *http.Request, pc *pageContext, data *pageData, creds text.Credentials) {
	sess, err := s.identity.SignUp(r.Context(), creds.Email, creds.Password, pc.locale)
	if err != nil {
		s.authFailed(w, opSignUp, err, pc, data)
		return
	}
	s.metrics.RecordAuthAttempt(opSignUp, resultSuccess)

	if !s.config.Session.RequireVerifiedEmail {
		s.startSession(w, r, pc, data, sess)
		return
	}

	if err := s.sessions.IssuePending(w, sess); err != nil {
		s.logger.Error("Failed to issue pending session", zap.Error(err))
	}
	data.Register = false
	data.Notice = pc.i18n.T("auth.verification-sent")
	data.ShowResend = true
	s.render(w, http.StatusOK, pageLogin, data)
}

func (s *Server) signIn(w http.ResponseWriter, r *http.Request, pc *pageContext, data *pageData, creds text.Credentials) {
	sess, err := s.identity.SignIn(r.Context(), creds.Email, creds.Password)
	if pending, ok := identity.PendingSession(err); ok {
		if !s.config.Session.RequireVerifiedEmail {
			sess, err = pending, nil
		} else {
			if issueErr := s.sessions.IssuePending(w, pending); issueErr != nil {
				s.logger.Error("Failed to issue pending session", zap.Error(issueErr))
			}
			data.ShowResend = true
		}
	}
	if err != nil {
		s.authFailed(w, opSignIn, err, pc, data)
		return
	}

	if s.flood != nil {
		s.flood.Reset(opSignIn, clientAddr(r))
	}
	s.metrics.RecordAuthAttempt(opSignIn, resultSuccess)
	s.startSession(w, r, pc, data, sess)
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request, pc *pageContext, data *pageData, sess *identity.Session) {
	if err := s.sessions.Issue(w, sess); err != nil {
		s.logger.Error("Failed to issue session", zap.Error(err))
		data.Error = pc.i18n.T(identity.DefaultMessageKey)
		s.render(w, http.StatusInternalServerError, pageLogin, data)
		return
	}
	s.logger.Info("Signed in",
		zap.String("uid", sess.Account.UID),
		zap.String("provider", sess.Account.Provider))
	s.redirectHome(w, r, pc.locale)
}

// authFailed renders the localized message for a provider error inline on the form.
func (s *Server) authFailed(w http.ResponseWriter, op string, err error, pc *pageContext, data *pageData) {
	code := identity.CodeOf(err)
	s.metrics.RecordAuthAttempt(op, resultFor(err))
	s.logger.Info("Credential operation failed",
		zap.String("operation", op),
		zap.String("code", code),
		zap.Error(err))

	status := http.StatusUnprocessableEntity
	if code == identity.CodeTooManyRequests {
		status = http.StatusTooManyRequests
	}

	data.Error = pc.i18n.TOr(identity.MessageKey(err), identity.DefaultMessageKey)
	page := pageLogin
	switch op {
	case opPasswordReset:
		page = pageForgot
	case opVerifyReset, opConfirmReset:
		page = pageReset
	}
	s.render(w, status, page, data)
}

// throttled renders the too-many-requests message without calling the provider.
func (s *Server) throttled(w http.ResponseWriter, page string, pc *pageContext, data *pageData) {
	data.Error = pc.i18n.T(identity.MessageKeyPrefix + identity.CodeTooManyRequests)
	s.render(w, http.StatusTooManyRequests, page, data)
}

func (s *Server) handleResendVerification(w http.ResponseWriter, r *http.Request, pc *pageContext) {
	data := s.newPageData(r, pc)

	pending, err := s.sessions.ReadPending(r)
	if err != nil {
		data.Error = pc.i18n.T(identity.DefaultMessageKey)
		s.render(w, http.StatusUnprocessableEntity, pageLogin, data)
		return
	}
	data.Email = pending.Account.Email
	data.ShowResend = true

	if !s.allow(opVerification, r) {
		s.throttled(w, pageLogin, pc, data)
		return
	}
	if err := s.identity.SendVerificationEmail(r.Context(), pending, pc.locale); err != nil {
		s.authFailed(w, opVerification, err, pc, data)
		return
	}

	s.metrics.RecordAuthAttempt(opVerification, resultSuccess)
	data.Notice = pc.i18n.T("auth.verification-sent")
	s.render(w, http.StatusOK, pageLogin, data)
}

func (s *Server) handleForgotForm(w http.ResponseWriter, r *http.Request, pc *pageContext) {
	if pc.user != nil {
		s.redirectHome(w, r, pc.locale)
		return
	}
	s.render(w, http.StatusOK, pageForgot, s.newPageData(r, pc))
}

func (s *Server) handleForgot(w http.ResponseWriter, r *http.Request, pc *pageContext) {
	if pc.user != nil {
		s.redirectHome(w, r, pc.locale)
		return
	}

	email := text.NormalizeEmail(r.PostFormValue("email"))
	data := s.newPageData(r, pc)
	data.Email = email

	if key := text.ValidateResetEmail(email); key != "" {
		data.Error = pc.i18n.T(key)
		s.render(w, http.StatusUnprocessableEntity, pageForgot, data)
		return
	}
	if !s.allow(opPasswordReset, r) {
		s.throttled(w, pageForgot, pc, data)
		return
	}
	if err := s.identity.SendPasswordReset(r.Context(), email, pc.locale); err != nil {
		s.authFailed(w, opPasswordReset, err, pc, data)
		return
	}

	s.metrics.RecordAuthAttempt(opPasswordReset, resultSuccess)
	data.Sent = true
	data.Notice = pc.i18n.T("auth.resetPasswordSent")
	s.render(w, http.StatusOK, pageForgot, data)
}

func (s *Server) handleResetForm(w http.ResponseWriter, r *http.Request, pc *pageContext) {
	token := r.URL.Query().Get("token")
	data := s.newPageData(r, pc)

	email, err := s.resetter.VerifyPasswordResetCode(r.Context(), token)
	if err != nil {
		s.authFailed(w, opVerifyReset, err, pc, data)
		return
	}
	data.Token = token
	data.Email = email
	s.render(w, http.StatusOK, pageReset, data)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request, pc *pageContext) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	password := text.NormalizePassword(r.PostFormValue("password"))
	confirm := text.NormalizePassword(r.PostFormValue("confirmPassword"))

	data := s.newPageData(r, pc)
	data.Token = r.PostFormValue("token")
	data.Email = text.NormalizeEmail(r.PostFormValue("email"))

	if key := text.ValidateNewPassword(password, confirm); key != "" {
		data.Error = pc.i18n.T(key)
		s.render(w, http.StatusUnprocessableEntity, pageReset, data)
		return
	}
	if !s.allow(opConfirmReset, r) {
		s.throttled(w, pageReset, pc, data)
		return
	}
	if err := s.resetter.ConfirmPasswordReset(r.Context(), data.Token, password); err != nil {
		if identity.CodeOf(err) == identity.CodeExpiredActionCode {
			data.Token = ""
		}
		s.authFailed(w, opConfirmReset, err, pc, data)
		return
	}

	s.metrics.RecordAuthAttempt(opConfirmReset, resultSuccess)
	s.sessions.Clear(w)
	redirectLogin(w, r, pc.locale, url.Values{"reset": {"1"}})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, pc *pageContext) {
	if pc.user != nil {
		err := s.identity.SignOut(r.Context(), &identity.Session{
			Account: identity.Account{UID: pc.user.UID, Email: pc.user.Email, Provider: pc.user.Provider},
			IDToken: pc.user.IDToken,
		})
		if err != nil {
			s.logger.Warn("Provider sign-out failed", zap.String("uid", pc.user.UID), zap.Error(err))
		}
	}
	s.sessions.Clear(w)
	redirectLogin(w, r, pc.locale, nil)
}

func (s *Server) handleGoogleStart(w http.ResponseWriter, r *http.Request, pc *pageContext) {
	if s.google == nil {
		redirectLogin(w, r, pc.locale, url.Values{"error": {identity.CodeOperationNotAllowed}})
		return
	}

	state := uuid.NewString()
	verifier := google.NewVerifier()
	if err := s.sessions.IssueOAuth(w, state, verifier, pc.locale); err != nil {
		s.logger.Error("Failed to issue OAuth state", zap.Error(err))
		redirectLogin(w, r, pc.locale, url.Values{"error": {identity.CodeInternal}})
		return
	}
	http.Redirect(w, r, s.google.AuthCodeURL(state, verifier), http.StatusSeeOther)
}

func (s *Server) handleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	st, err := s.sessions.ConsumeOAuth(w, r)
	if err != nil {
		s.logger.Info("OAuth callback without valid state cookie", zap.Error(err))
		redirectLogin(w, r, s.settings.Default(), url.Values{"error": {identity.CodeInvalidCredential}})
		return
	}

	loc := st.Locale
	if !s.settings.IsSupported(loc) {
		loc = s.settings.Default()
	}

	q := r.URL.Query()
	if q.Get("error") != "" {
		// Consent was declined; nothing to report.
		redirectLogin(w, r, loc, nil)
		return
	}
	if s.google == nil {
		redirectLogin(w, r, loc, url.Values{"error": {identity.CodeOperationNotAllowed}})
		return
	}
	if q.Get("state") != st.State || !s.nonces.Consume(st.State) {
		s.logger.Warn("Rejected OAuth callback with mismatched or replayed state")
		s.metrics.RecordAuthAttempt(opSignInWithGoogle, identity.CodeInvalidCredential)
		redirectLogin(w, r, loc, url.Values{"error": {identity.CodeInvalidCredential}})
		return
	}
	if !s.allow(opSignInWithGoogle, r) {
		redirectLogin(w, r, loc, url.Values{"error": {identity.CodeTooManyRequests}})
		return
	}

	cred, err := s.google.Exchange(r.Context(), q.Get("code"), st.Verifier)
	if err == nil {
		var sess *identity.Session
		sess, err = s.identity.SignInWithIDP(r.Context(), cred)
		if err == nil {
			err = s.sessions.Issue(w, sess)
		}
	}
	if err != nil {
		s.logger.Info("Google sign-in failed", zap.Error(err))
		s.metrics.RecordAuthAttempt(opSignInWithGoogle, resultFor(err))
		redirectLogin(w, r, loc, loginError(err))
		return
	}

	s.metrics.RecordAuthAttempt(opSignInWithGoogle, resultSuccess)
	http.Redirect(w, r, "/"+loc, http.StatusSeeOther)
}

func resultFor(err error) string {
	if code := identity.CodeOf(err); code != "" {
		return code
	}
	return resultError
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	loc := q.Get("locale")
	if !s.settings.IsSupported(loc) {
		loc = s.settings.Default()
	}

	account, err := s.confirmer.ConfirmEmail(r.Context(), q.Get("token"))
	if err != nil {
		s.logger.Info("Email verification failed", zap.Error(err))
		redirectLogin(w, r, loc, loginError(err))
		return
	}

	s.logger.Info("Email verified via link", zap.String("uid", account.UID))
	redirectLogin(w, r, loc, url.Values{"verified": {"1"}})
}

type translationStateResponse struct {
	ActiveLocale string `json:"activeLocale,omitempty"`
	Loading      bool   `json:"loading"`
	Ready        bool   `json:"ready"`
	Error        string `json:"error,omitempty"`
}

// handleTranslationState reports the caller's bootstrapper without creating one.
func (s *Server) handleTranslationState(w http.ResponseWriter, r *http.Request) {
	var resp translationStateResponse
	if c, err := r.Cookie(clientCookie); err == nil {
		if b, ok := s.registry.Peek(c.Value); ok {
			st := b.State()
			resp.ActiveLocale = st.ActiveLocale
			resp.Loading = st.Loading
			resp.Ready = st.Ready(st.ActiveLocale)
			if st.Err != nil {
				resp.Error = st.Err.Error()
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debug("Failed to write translation state", zap.Error(err))
	}
}
