// Copyright 2024-2026 Aiku AI

package connector

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
)

// Lang is one translation table keyed by message id.
type Lang struct {
	Code  string
	texts map[string]string
	base  *Lang
}

// Lookup implements schema.Localizer.
func (l *Lang) Lookup(key string) (string, bool) {
	for t := l; t != nil; t = t.base {
		if s, ok := t.texts[key]; ok {
			return s, true
		}
	}
	return "", false
}

// Text returns the translation of key, or key itself when no table has it.
func (l *Lang) Text(key string) string {
	if s, ok := l.Lookup(key); ok {
		return s
	}
	return key
}

func (l *Lang) Format(key string, args ...any) string {
	return fmt.Sprintf(l.Text(key), args...)
}

var englishTexts = map[string]string{
	"component_name": "JCL gateway",

	"register_title":        "Connection registration",
	"register_instructions": "Enter connection parameters",
	"update_title":          "Connection update",
	"update_instructions":   "Modifying connection '%s'",

	"field_name":           "Connection name",
	"field_login":          "Login",
	"field_password":       "Password",
	"field_store_password": "Store password on the gateway?",
	"field_host":           "Host",
	"field_port":           "Port",
	"field_interval":       "Interval (in minutes) between checks",

	"mandatory_field":    "Mandatory field",
	"invalid_type":       "Invalid value",
	"invalid_choice":     "Invalid choice",
	"invalid_name":       "Invalid account name",
	"field_error":        "Field '%s': %s",
	"connection_label":   "%s connection '%s'",
	"commands_node":      "Commands",
	"get_gateway_desc":   "Please enter the address of your contact",
	"get_gateway_prompt": "Address",

	"new_account_message_subject":    "New account '%s' created",
	"new_account_message_body":       "New account created",
	"update_account_message_subject": "Updated account '%s'",
	"update_account_message_body":    "Updated account",
	"welcome_message_subject":        "Welcome",
	"motd_subject":                   "Message of the day",
	"ask_password_subject":           "Password request",
	"ask_password_body":              "Reply to this message with the password for the following account: %s",
	"password_saved_for_session":     "Password will be kept during your session",
	"error_subject":                  "Error",
	"error_body":                     "An error has occurred:\n\t%s",
	"help_message_subject":           "Help",
	"help_message_body":              "Send 'help' to get this message. Answer a password request with the password of the account to keep it for your session.",
	"announce_subject":               "Announcement",

	"command_list":                      "List accounts",
	"command_get-registered-users-num":  "Get number of registered users",
	"command_get-disabled-users-num":    "Get number of disabled accounts",
	"command_get-online-users-num":      "Get number of online users",
	"command_get-registered-users-list": "Get list of registered users",
	"command_get-disabled-users-list":   "Get list of disabled accounts",
	"command_get-online-users-list":     "Get list of online users",
	"command_announce":                  "Send announcement to all users",
	"command_set-motd":                  "Set message of the day",
	"command_edit-motd":                 "Edit message of the day",
	"command_delete-motd":               "Delete message of the day",
	"command_set-welcome":               "Set welcome message",
	"command_delete-welcome":            "Delete welcome message",
	"command_edit-admin":                "Edit administrators list",
	"command_restart":                   "Restart gateway",
	"command_shutdown":                  "Shut down gateway",

	"field_accounts":            "Accounts",
	"field_registeredusersnum":  "Number of registered users",
	"field_disabledusersnum":    "Number of disabled accounts",
	"field_onlineusersnum":      "Number of online users",
	"field_registereduserjids":  "Registered users",
	"field_disableduserjids":    "Disabled accounts",
	"field_onlineuserjids":      "Online users",
	"field_announcement":        "Announcement",
	"field_motd":                "Message of the day",
	"field_welcome":             "Welcome message",
	"field_adminjids":           "Administrators",
	"command_done":              "Command executed",
	"command_session_not_found": "Unknown command session",
}

var frenchTexts = map[string]string{
	"component_name": "Passerelle JCL",

	"register_title":        "Enregistrement d'une nouvelle connexion",
	"register_instructions": "Entrer les paramètres de connexion",
	"update_title":          "Mise à jour de compte",
	"update_instructions":   "Modification de la connexion '%s'",

	"field_name":           "Nom de la connexion",
	"field_login":          "Nom d'utilisateur",
	"field_password":       "Mot de passe",
	"field_store_password": "Sauvegarder le mot de passe sur la passerelle ?",
	"field_host":           "Adresse du serveur",
	"field_port":           "Port",
	"field_interval":       "Intervalle (en minutes) entre chaque vérification",

	"mandatory_field":    "Champ obligatoire",
	"invalid_type":       "Valeur incorrecte",
	"invalid_choice":     "Choix incorrect",
	"invalid_name":       "Nom de compte incorrect",
	"field_error":        "Champ '%s' : %s",
	"connection_label":   "Connexion %s '%s'",
	"commands_node":      "Commandes",
	"get_gateway_desc":   "Entrer l'adresse de votre contact",
	"get_gateway_prompt": "Adresse",

	"new_account_message_subject":    "Le compte '%s' a été créé",
	"new_account_message_body":       "Compte créé",
	"update_account_message_subject": "Le compte '%s' a été mis à jour",
	"update_account_message_body":    "Compte mis à jour",
	"welcome_message_subject":        "Bienvenue",
	"motd_subject":                   "Message du jour",
	"ask_password_subject":           "Demande de mot de passe",
	"ask_password_body":              "Répondre à ce message avec le mot de passe du compte suivant : %s",
	"password_saved_for_session":     "Le mot de passe sera gardé tout au long de la session",
	"error_subject":                  "Erreur",
	"error_body":                     "Une erreur est survenue :\n\t%s",
	"help_message_subject":           "Aide",
	"help_message_body":              "Envoyer 'help' pour obtenir ce message. Répondre à une demande de mot de passe avec le mot de passe du compte pour le garder pendant la session.",
	"announce_subject":               "Annonce",

	"command_list":   "Liste des comptes",
	"field_accounts": "Comptes",
	"command_done":   "Commande exécutée",
}

// Languages negotiates a translation table from a stanza xml:lang.
type Languages struct {
	def     *Lang
	tables  []*Lang
	matcher language.Matcher
}

// NewLanguages builds the English and French tables. Unknown or unmatched
// codes resolve to defaultCode, which must be one of them.
func NewLanguages(defaultCode string) (*Languages, error) {
	en := &Lang{Code: "en", texts: englishTexts}
	fr := &Lang{Code: "fr", texts: frenchTexts, base: en}
	tables := []*Lang{en, fr}
	if defaultCode == "" {
		defaultCode = "en"
	}
	langs := &Languages{tables: tables}
	tags := make([]language.Tag, len(tables))
	for i, t := range tables {
		tags[i] = language.MustParse(t.Code)
		if t.Code == strings.ToLower(defaultCode) {
			langs.def = t
		}
	}
	if langs.def == nil {
		return nil, fmt.Errorf("unsupported default language %q", defaultCode)
	}
	langs.matcher = language.NewMatcher(tags)
	return langs, nil
}

// Get returns the table for an xml:lang value such as "fr" or "fr_FR".
func (ls *Languages) Get(code string) *Lang {
	if code == "" {
		return ls.def
	}
	tag, err := language.Parse(strings.ReplaceAll(code, "_", "-"))
	if err != nil {
		return ls.def
	}
	_, idx, conf := ls.matcher.Match(tag)
	if conf == language.No || idx < 0 || idx >= len(ls.tables) {
		return ls.def
	}
	return ls.tables[idx]
}

func (ls *Languages) Default() *Lang {
	return ls.def
}
