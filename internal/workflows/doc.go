// Package workflows: прикладной сервис над workflows, версиями и runs.
//
// Все операции принимают tenant ID: чужие записи неотличимы от отсутствующих.
//
// Жизненный цикл:
//
//	Create → draft + версия 1
//	SaveVersion → следующая неопубликованная версия
//	Publish → ревалидация графа, одна транзакция публикации, status active
//	Trigger / TriggerScheduled / TriggerEvent → pending run + уведомление пула
//	Cancel → cancelled, отмена отложенных заданий, уведомление пула
package workflows
